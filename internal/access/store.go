// Package access answers "may this identity collaborate on this document".
//
// It delegates to the external file-access store: a permission record links a
// user to a document with a READ or WRITE grant. Both grant levels admit a
// collaborative join; the distinction matters only to callers outside this
// core.
package access

import (
	"context"
	"errors"
)

// Permission is the grant level recorded for a (user, document) pair.
type Permission string

const (
	// PermissionRead allows viewing and collaborative joining.
	PermissionRead Permission = "READ"
	// PermissionWrite allows editing, sharing, and collaborative joining.
	PermissionWrite Permission = "WRITE"
)

var (
	// ErrNoAccess is returned when no permission record links the user to the
	// document.
	ErrNoAccess = errors.New("access: no permission record")

	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = errors.New("access: document not found")
)

// Store is the external file-access collaborator.
type Store interface {
	// CheckAccess resolves the permission linking userID to documentID.
	// It returns ErrNoAccess when no record exists and ErrNotFound when the
	// document itself is unknown.
	CheckAccess(ctx context.Context, userID, documentID string) (Permission, error)
}
