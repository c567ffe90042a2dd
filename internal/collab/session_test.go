package collab

import (
	"encoding/json"
	"testing"

	v1 "weave/contracts/collab/v1"
	"weave/internal/auth"
	"weave/internal/crdt"
)

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	return NewSession(nil, id, crdt.NewDocument())
}

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: "env-1", Payload: json.RawMessage(`{}`)}
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSession_MembershipByIdentity(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, "doc-1")
	alice := auth.Identity{UserID: "alice", Email: "alice@example.com"}

	if already := s.AddMember(alice); already {
		t.Fatalf("first join reported already=true")
	}
	// Second connection by the same identity: no duplicate membership entry.
	if already := s.AddMember(alice); !already {
		t.Fatalf("rejoin reported already=false")
	}
	if got := s.MemberCount(); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}

	members := s.Members()
	if len(members) != 1 || members[0].UserID != "alice" || members[0].Email != "alice@example.com" {
		t.Fatalf("unexpected member list: %+v", members)
	}

	email, removed := s.RemoveMember("alice")
	if !removed || email != "alice@example.com" {
		t.Fatalf("remove: email=%q removed=%v", email, removed)
	}
	if _, removed := s.RemoveMember("alice"); removed {
		t.Fatalf("second remove reported removed=true")
	}
}

func TestSession_BroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, "doc-1")
	sender := NewClient("conn-a", 8)
	peer := NewClient("conn-b", 8)
	s.Attach(sender)
	s.Attach(peer)

	s.Broadcast(testEnvelope(t, v1.TypeUpdate), "conn-a")

	if got := drain(sender); len(got) != 0 {
		t.Fatalf("sender received its own broadcast: %+v", got)
	}
	got := drain(peer)
	if len(got) != 1 || got[0].Type != v1.TypeUpdate {
		t.Fatalf("peer broadcast mismatch: %+v", got)
	}
}

func TestSession_BroadcastSkipsClosedAndFullClients(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, "doc-1")

	closed := NewClient("conn-closed", 8)
	closed.Close()
	full := NewClient("conn-full", wsMinSendQueueSize)
	for i := 0; i < wsMinSendQueueSize; i++ {
		full.Send <- testEnvelope(t, v1.TypeUpdate)
	}
	healthy := NewClient("conn-ok", 8)

	s.Attach(closed)
	s.Attach(full)
	s.Attach(healthy)

	// Must not block or panic.
	s.Broadcast(testEnvelope(t, v1.TypeUserConnected), "")

	got := drain(healthy)
	if len(got) != 1 || got[0].Type != v1.TypeUserConnected {
		t.Fatalf("healthy client broadcast mismatch: %+v", got)
	}
}

func TestSession_ApplyDeltaFailureLeavesStateIntact(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, "doc-1")

	good, err := crdt.EncodeDelta([]crdt.Op{{
		Action:   crdt.ActionInsert,
		ID:       crdt.OpID{Peer: "alice", Clock: 1},
		Value:    "x",
		Position: []int{10},
	}})
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	if err := s.ApplyDelta(good); err != nil {
		t.Fatalf("apply good delta: %v", err)
	}
	before := string(s.EncodeState())

	if err := s.ApplyDelta([]byte("{broken")); err == nil {
		t.Fatalf("expected malformed delta error")
	}
	if after := string(s.EncodeState()); after != before {
		t.Fatalf("malformed delta changed state")
	}
}
