package collab

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "weave/contracts/collab/v1"
	"weave/internal/auth"
	"weave/internal/crdt"
)

// Session is the in-memory collaborative state for one document.
//
// It carries two related but distinct sets:
//   - members, keyed by user id: who is part of the session. Access and
//     presence logic reason about identities.
//   - conns, keyed by connection id: which live connections receive
//     broadcasts. A user with two tabs holds two entries here but one
//     membership entry.
//
// Concurrency guarantees:
// - Membership and attachment mutations are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Session struct {
	log *slog.Logger
	ID  string

	mu         sync.RWMutex
	doc        crdt.Document
	members    map[string]string // user id -> email label
	conns      map[string]*Client
	lastActive time.Time
}

// NewSession constructs a session with an empty document.
func NewSession(log *slog.Logger, id string, doc crdt.Document) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:        log,
		ID:         id,
		doc:        doc,
		members:    make(map[string]string),
		conns:      make(map[string]*Client),
		lastActive: time.Now().UTC(),
	}
}

// AddMember records the identity in the member set. Rejoining is a no-op:
// the returned flag reports whether the identity was already present.
func (s *Session) AddMember(id auth.Identity) (already bool) {
	if s == nil || id.UserID == "" {
		return false
	}

	s.mu.Lock()
	_, already = s.members[id.UserID]
	s.members[id.UserID] = id.Email
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()

	if !already {
		s.log.Info("session.member.join", "document_id", s.ID, "user_id", id.UserID)
	}
	return already
}

// RemoveMember drops the identity from the member set and reports whether it
// was present. The session itself is retained even when the set empties.
func (s *Session) RemoveMember(userID string) (email string, removed bool) {
	if s == nil || userID == "" {
		return "", false
	}

	s.mu.Lock()
	email, removed = s.members[userID]
	if removed {
		delete(s.members, userID)
		s.lastActive = time.Now().UTC()
	}
	s.mu.Unlock()

	if removed {
		s.log.Info("session.member.leave", "document_id", s.ID, "user_id", userID)
	}
	return email, removed
}

// HasMember reports whether userID is currently a member.
func (s *Session) HasMember(userID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[userID]
	return ok
}

// Members returns the current member list ordered by user id.
func (s *Session) Members() []v1.Member {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	out := make([]v1.Member, 0, len(s.members))
	for userID, email := range s.members {
		out = append(out, v1.Member{UserID: userID, Email: email})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MemberCount returns the member set size.
func (s *Session) MemberCount() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Attach registers a connection for broadcast fan-out.
func (s *Session) Attach(client *Client) {
	if s == nil || client == nil || client.ConnID == "" {
		return
	}
	s.mu.Lock()
	s.conns[client.ConnID] = client
	s.mu.Unlock()
}

// Detach removes a connection from broadcast fan-out. Membership is handled
// separately; see Registry.SweepDisconnect.
func (s *Session) Detach(connID string) {
	if s == nil || connID == "" {
		return
	}
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

// Attached reports whether the connection is registered for fan-out.
func (s *Session) Attached(connID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[connID]
	return ok
}

// ApplyDelta merges a delta into the session document. The error, if any, is
// the caller's to report; the document and other members are unaffected.
func (s *Session) ApplyDelta(delta []byte) error {
	if s == nil {
		return crdt.ErrMalformedDelta
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.doc.ApplyDelta(delta); err != nil {
		return err
	}
	s.lastActive = time.Now().UTC()
	return nil
}

// EncodeState returns the document's full-state encoding so a joiner can
// initialize its replica without replaying history.
func (s *Session) EncodeState() []byte {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.EncodeState()
}

// LastActive returns the time of the last membership or document mutation.
func (s *Session) LastActive() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Broadcast fans an envelope out to all attached connections except the one
// identified by excludeConnID (typically the sender).
// Non-blocking: if a member queue is full or the client is shutting down, the
// envelope is dropped for that member.
func (s *Session) Broadcast(env v1.Envelope, excludeConnID string) {
	if s == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for connID, m := range s.conns {
		if m == nil || connID == excludeConnID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole session.
			metricBroadcastDropsTotal.Inc()
		}
	}
}
