// Package auth binds caller identities to connections.
//
// It verifies bearer credentials issued by the external identity service.
// Credential issuance (registration, login, refresh) is out of scope here;
// this package only consumes tokens.
package auth

import (
	"context"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Identity is an authenticated principal, distinct from any single
// connection. Immutable once bound to a connection for its lifetime.
type Identity struct {
	UserID string
	Email  string
}

// CredentialVerifier validates a bearer credential and resolves the identity
// it was issued to.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HMAC-signed JWTs carrying `id` and `email` claims.
type JWTVerifier struct {
	key       []byte
	issuer    string
	clockSkew time.Duration
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the `iss` claim to match.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = strings.TrimSpace(issuer) }
}

// WithClockSkew tolerates minor clock differences during exp/nbf checks.
func WithClockSkew(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewJWTVerifier constructs a verifier for HS256-signed tokens.
func NewJWTVerifier(key []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(key) == 0 {
		return nil, ErrConfig
	}

	v := &JWTVerifier{key: key}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses and validates the token and extracts the identity claims.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	// Bound pathological inputs before handing them to the parser.
	if len(token) > 8192 {
		return Identity{}, ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	parserOpts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(v.clockSkew),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, gojwt.WithIssuer(v.issuer))
	}

	claims := gojwt.MapClaims{}
	parsed, err := gojwt.NewParser(parserOpts...).ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	id, _ := claims["id"].(string)
	email, _ := claims["email"].(string)
	if strings.TrimSpace(id) == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: id, Email: email}, nil
}

// BearerToken extracts the credential from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}
