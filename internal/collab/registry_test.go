package collab

import (
	"sync"
	"testing"
	"time"

	"weave/internal/auth"
)

func TestRegistry_GetOrCreate_ConcurrentJoinsSingleSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)

	const goroutines = 32
	sessions := make([]*Session, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = r.GetOrCreate("doc-1")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("goroutine %d got a different session handle", i)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly 1 resident session, got %d", r.Len())
	}
}

func TestRegistry_EmptySessionIsRetained(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s := r.GetOrCreate("doc-1")
	s.AddMember(auth.Identity{UserID: "alice"})
	s.RemoveMember("alice")

	if s.MemberCount() != 0 {
		t.Fatalf("expected empty member set")
	}
	if got, ok := r.Get("doc-1"); !ok || got != s {
		t.Fatalf("zero-member session was not retained")
	}
}

func TestRegistry_SweepDisconnect(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	alice := auth.Identity{UserID: "alice", Email: "alice@example.com"}

	c1 := NewClient("conn-1", 8)
	c1.Bind(alice)
	c2 := NewClient("conn-2", 8)
	c2.Bind(alice)

	// alice is a member of doc-1 and doc-2; doc-3 has someone else.
	for _, docID := range []string{"doc-1", "doc-2"} {
		s := r.GetOrCreate(docID)
		s.AddMember(alice)
		s.Attach(c1)
	}
	other := r.GetOrCreate("doc-3")
	other.AddMember(auth.Identity{UserID: "bob"})

	// Second connection of the same identity attached to doc-1 only.
	r.GetOrCreate("doc-1").Attach(c2)

	deps := r.SweepDisconnect(c1)
	if len(deps) != 2 {
		t.Fatalf("expected 2 departures, got %d: %+v", len(deps), deps)
	}
	seen := map[string]bool{}
	for _, d := range deps {
		seen[d.Session.ID] = true
		if d.UserID != "alice" || d.Email != "alice@example.com" {
			t.Fatalf("unexpected departure: %+v", d)
		}
	}
	if !seen["doc-1"] || !seen["doc-2"] {
		t.Fatalf("departures missing sessions: %+v", seen)
	}

	// Identity-keyed removal: either connection's teardown removes alice,
	// even though conn-2 is still attached to doc-1.
	if r.GetOrCreate("doc-1").HasMember("alice") {
		t.Fatalf("alice still a member of doc-1 after sweep")
	}
	if !r.GetOrCreate("doc-1").Attached("conn-2") {
		t.Fatalf("conn-2 detached by conn-1's sweep")
	}
	if r.GetOrCreate("doc-1").Attached("conn-1") {
		t.Fatalf("conn-1 still attached after sweep")
	}

	// Sessions survive the sweep, and unrelated members are untouched.
	if r.Len() != 3 {
		t.Fatalf("sweep changed resident session count: %d", r.Len())
	}
	if !other.HasMember("bob") {
		t.Fatalf("sweep touched unrelated membership")
	}

	// Sweeping the second connection finds no remaining memberships.
	if deps := r.SweepDisconnect(c2); len(deps) != 0 {
		t.Fatalf("expected no departures for second sweep, got %+v", deps)
	}
}

func TestRegistry_SweepDisconnect_UnboundConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	r.GetOrCreate("doc-1").AddMember(auth.Identity{UserID: "alice"})

	c := NewClient("conn-1", 8)
	if deps := r.SweepDisconnect(c); len(deps) != 0 {
		t.Fatalf("unbound connection produced departures: %+v", deps)
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)

	idle := r.GetOrCreate("doc-idle")
	occupied := r.GetOrCreate("doc-occupied")
	occupied.AddMember(auth.Identity{UserID: "alice"})

	// ttl=0 is the retain-forever baseline.
	if n := r.EvictIdle(time.Now().Add(time.Hour), 0); n != 0 {
		t.Fatalf("ttl=0 evicted %d sessions", n)
	}

	// Not yet idle long enough.
	if n := r.EvictIdle(idle.LastActive().Add(time.Minute), time.Hour); n != 0 {
		t.Fatalf("young session evicted: %d", n)
	}

	// Past the TTL: only the zero-member session goes.
	if n := r.EvictIdle(idle.LastActive().Add(2*time.Hour), time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := r.Get("doc-idle"); ok {
		t.Fatalf("idle session still resident")
	}
	if _, ok := r.Get("doc-occupied"); !ok {
		t.Fatalf("occupied session evicted")
	}
}
