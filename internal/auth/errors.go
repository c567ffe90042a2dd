package auth

import "errors"

var (
	// ErrMissingToken is returned when no credential token was supplied.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned when a credential token fails verification
	// or lacks the required identity claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid verifier configuration.
	ErrConfig = errors.New("invalid config")
)
