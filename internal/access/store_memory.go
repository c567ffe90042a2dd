package access

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is a dev/test fallback when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]struct{}
	grants map[string]Permission // docID + "\x00" + userID -> permission
}

// NewMemoryStore constructs an empty in-memory access store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]struct{}),
		grants: make(map[string]Permission),
	}
}

func grantKey(documentID, userID string) string {
	return documentID + "\x00" + userID
}

// AddDocument registers a document without any grants.
func (s *MemoryStore) AddDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[documentID] = struct{}{}
}

// Grant records a permission for (userID, documentID), creating the document
// when it does not exist yet.
func (s *MemoryStore) Grant(userID, documentID string, perm Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[documentID] = struct{}{}
	s.grants[grantKey(documentID, userID)] = perm
}

// Revoke removes a grant. The document itself is retained.
func (s *MemoryStore) Revoke(userID, documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey(documentID, userID))
}

// CheckAccess implements Store.
func (s *MemoryStore) CheckAccess(ctx context.Context, userID, documentID string) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return "", ErrNoAccess
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if perm, ok := s.grants[grantKey(documentID, userID)]; ok {
		return perm, nil
	}
	if _, ok := s.docs[documentID]; !ok {
		return "", ErrNotFound
	}
	return "", ErrNoAccess
}
