package access

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore resolves permissions from weave.file_access.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "weave").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("access: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("access: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed access store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "weave",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("access: nil pool")
	}
	return st, nil
}

// CheckAccess resolves the permission for (userID, documentID).
//
// A missing permission row is reported as ErrNoAccess without consulting the
// files table first, matching the external store's behavior: callers learn
// "no access", not whether the document exists.
func (s *PostgresStore) CheckAccess(ctx context.Context, userID, documentID string) (Permission, error) {
	if s == nil || s.pool == nil {
		return "", errors.New("access: nil store")
	}
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return "", ErrNoAccess
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fileAccess := pgIdent(s.schema, "file_access")

	var perm string
	err := s.pool.QueryRow(ctx,
		`SELECT permission FROM `+fileAccess+` WHERE file_id = $1 AND user_id = $2`,
		documentID, userID,
	).Scan(&perm)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.classifyMiss(ctx, documentID)
	}
	if err != nil {
		return "", err
	}

	switch Permission(perm) {
	case PermissionRead, PermissionWrite:
		return Permission(perm), nil
	default:
		return "", errors.New("access: unknown permission value: " + perm)
	}
}

// classifyMiss distinguishes "document absent" from "document present but not
// granted", so callers can surface NotFound separately when they care.
func (s *PostgresStore) classifyMiss(ctx context.Context, documentID string) error {
	files := pgIdent(s.schema, "files")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+files+` WHERE id = $1`,
		documentID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNoAccess
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
