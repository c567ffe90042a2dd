package collab

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"weave/internal/crdt"
)

// Registry owns the documentID -> Session mapping for this process.
//
// Lifecycle is the process lifetime: sessions are created lazily on first
// join and retained after their member set empties. An optional TTL sweep
// (RunEvictor) reclaims idle zero-member sessions; with ttl=0 the registry
// never evicts, which is the default.
type Registry struct {
	log     *slog.Logger
	factory crdt.Factory

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry. A nil factory falls back to the
// default document implementation.
func NewRegistry(log *slog.Logger, factory crdt.Factory) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = crdt.NewDocument
	}
	return &Registry{
		log:      log,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns a stable session handle, constructing the session with
// an empty document on first use.
//
// The check-then-insert runs under the registry mutex, so two concurrent
// joins to a never-before-seen document converge on one session. Callers must
// complete any suspending work (access checks) before calling this.
func (r *Registry) GetOrCreate(documentID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if s, ok := r.sessions[documentID]; ok {
		return s
	}

	s = NewSession(r.log, documentID, r.factory())
	r.sessions[documentID] = s
	metricResidentSessions.Set(float64(len(r.sessions)))
	r.log.Info("session.create", "document_id", documentID)
	return s
}

// Get returns the session for documentID if one is resident.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Departure records one membership removed by a disconnect sweep.
type Departure struct {
	Session *Session
	UserID  string
	Email   string
}

// SweepDisconnect reconciles all resident sessions after a connection
// teardown: the client is detached everywhere, and its bound identity is
// removed from every session it was a member of.
//
// Removal is keyed by identity, not connection: when the same user holds a
// second connection to a document, this sweep still drops the membership.
// The returned departures let the caller emit one "user disconnected" event
// per affected session.
//
// The scan is O(resident sessions), acceptable at the expected number of
// concurrently open documents per process.
func (r *Registry) SweepDisconnect(client *Client) []Departure {
	if client == nil {
		return nil
	}

	id, bound := client.Identity()

	var out []Departure
	for _, s := range r.snapshot() {
		s.Detach(client.ConnID)
		if !bound {
			continue
		}
		if email, removed := s.RemoveMember(id.UserID); removed {
			out = append(out, Departure{Session: s, UserID: id.UserID, Email: email})
		}
	}
	return out
}

// EvictIdle removes zero-member sessions idle since before now-ttl and
// returns how many were reclaimed. A ttl of zero disables eviction.
func (r *Registry) EvictIdle(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cut := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		if s.MemberCount() == 0 && s.LastActive().Before(cut) {
			delete(r.sessions, id)
			n++
			r.log.Info("session.evict", "document_id", id)
		}
	}
	if n > 0 {
		metricResidentSessions.Set(float64(len(r.sessions)))
		metricSessionsEvictedTotal.Add(float64(n))
	}
	return n
}

// RunEvictor periodically reclaims idle zero-member sessions until the
// context is cancelled. It returns immediately when ttl is zero, preserving
// the retain-forever default.
func (r *Registry) RunEvictor(ctx context.Context, ttl, every time.Duration) {
	if ttl <= 0 {
		return
	}
	if every <= 0 {
		every = ttl
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.EvictIdle(now.UTC(), ttl)
		}
	}
}
