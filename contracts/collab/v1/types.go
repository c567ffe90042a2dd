// Package v1 defines the Weave collaboration protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHandshake binds an identity to the connection (client -> server).
	// It must be the first envelope unless the upgrade request carried a
	// bearer token.
	TypeHandshake = "handshake"
	// TypeHandshakeAck acknowledges a successful handshake (server -> client).
	TypeHandshakeAck = "handshake_ack"

	// TypeDocumentJoin requests membership in a document session (client -> server).
	TypeDocumentJoin = "document_join"
	// TypeDocumentJoinResult answers a join request with the current member
	// list and the full document state (server -> client).
	TypeDocumentJoinResult = "document_join_result"

	// TypeSyncUpdate submits a CRDT delta for a joined document (client -> server).
	TypeSyncUpdate = "sync_update"
	// TypeSyncUpdateResult acknowledges an accepted delta (server -> client).
	TypeSyncUpdateResult = "sync_update_result"

	// TypeUpdate broadcasts a peer's delta to other session members (server -> members).
	TypeUpdate = "update"
	// TypeUserConnected announces a new session member (server -> members).
	TypeUserConnected = "user_connected"
	// TypeUserDisconnected announces a departed session member (server -> members).
	TypeUserDisconnected = "user_disconnected"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeAccessDenied    = "access_denied"
	CodeNotFound        = "not_found"
	CodeMalformedInput  = "malformed_input"
	CodeInternal        = "internal"
	CodeRateLimited     = "rate_limited"
	CodeBadEnvelope     = "bad_envelope"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHandshake,
		TypeHandshakeAck,
		TypeDocumentJoin,
		TypeDocumentJoinResult,
		TypeSyncUpdate,
		TypeSyncUpdateResult,
		TypeUpdate,
		TypeUserConnected,
		TypeUserDisconnected,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HandshakePayload carries the caller's credential token.
type HandshakePayload struct {
	Token string `json:"token"`
}

// HandshakeAckPayload confirms the bound identity for this connection.
type HandshakeAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// DocumentJoinPayload requests membership in a document session.
type DocumentJoinPayload struct {
	DocumentID string `json:"document_id"`
}

// Member identifies one current session participant.
type Member struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// DocumentJoinResultPayload answers a join request.
//
// State is the full CRDT state encoding; a joiner applies it to an empty
// local replica instead of replaying history. JSON carries it base64-encoded.
type DocumentJoinResultPayload struct {
	DocumentID string   `json:"document_id"`
	Members    []Member `json:"members"`
	State      []byte   `json:"state"`
}

// SyncUpdatePayload submits an incremental CRDT delta.
type SyncUpdatePayload struct {
	DocumentID string `json:"document_id"`
	Delta      []byte `json:"delta"`
}

// SyncUpdateResultPayload acknowledges an accepted delta.
type SyncUpdateResultPayload struct {
	DocumentID string `json:"document_id"`
}

// UpdatePayload relays a peer's delta so receivers can merge locally and
// attribute the change.
type UpdatePayload struct {
	DocumentID string `json:"document_id"`
	Delta      []byte `json:"delta"`
	UserID     string `json:"user_id"`
}

// PresencePayload is shared by user_connected and user_disconnected.
type PresencePayload struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
