package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DeniedReason is the human-readable denial message forwarded to clients.
// Wire-stable: clients display it verbatim.
const DeniedReason = "Access denied to this document"

// Decision is the Gate's answer for one join attempt.
type Decision struct {
	Allowed    bool
	Permission Permission
	// Reason is set when Allowed is false and is safe to forward to clients.
	Reason string
}

// Gate is the admission check in front of the session registry.
//
// It collapses store outcomes into a boolean decision: the collaboration core
// does not distinguish "document missing" from "not granted", it only needs
// allow/deny plus a forwardable reason.
type Gate struct {
	log   *slog.Logger
	store Store
}

// NewGate constructs a Gate backed by the given access store.
func NewGate(log *slog.Logger, store Store) (*Gate, error) {
	if store == nil {
		return nil, errors.New("access: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{log: log, store: store}, nil
}

// CanJoin reports whether userID may join the collaborative session for
// documentID. Both READ and WRITE grants admit.
//
// Store failures other than ErrNoAccess/ErrNotFound are returned as errors so
// the caller can report an internal failure instead of a denial.
func (g *Gate) CanJoin(ctx context.Context, userID, documentID string) (Decision, error) {
	perm, err := g.store.CheckAccess(ctx, userID, documentID)
	if err == nil {
		return Decision{Allowed: true, Permission: perm}, nil
	}

	if errors.Is(err, ErrNoAccess) || errors.Is(err, ErrNotFound) {
		g.log.Info("access.deny", "user_id", userID, "document_id", documentID, "cause", err)
		return Decision{Allowed: false, Reason: DeniedReason}, nil
	}

	return Decision{}, fmt.Errorf("access check: %w", err)
}
