package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when WEAVE_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CheckAccess(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyAccessSchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	docID := "doc-" + randomHexTest(8)
	mustInsertFile(t, pool, schema, docID, "owner-1")
	mustInsertGrant(t, pool, schema, docID, "owner-1", string(PermissionWrite))
	mustInsertGrant(t, pool, schema, docID, "reader-1", string(PermissionRead))

	if perm, err := store.CheckAccess(ctx, "owner-1", docID); err != nil || perm != PermissionWrite {
		t.Fatalf("owner: perm=%q err=%v", perm, err)
	}
	if perm, err := store.CheckAccess(ctx, "reader-1", docID); err != nil || perm != PermissionRead {
		t.Fatalf("reader: perm=%q err=%v", perm, err)
	}

	if _, err := store.CheckAccess(ctx, "stranger", docID); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess for stranger, got %v", err)
	}
	if _, err := store.CheckAccess(ctx, "owner-1", "doc-missing-"+randomHexTest(4)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}
}

func randomHexTest(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("WEAVE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: WEAVE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse WEAVE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "weave_it_" + strings.ToLower(randomHexTest(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyAccessSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	files := pgIdent(schema, "files")
	fileAccess := pgIdent(schema, "file_access")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  owner_id   TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  file_id    TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  permission TEXT NOT NULL CHECK (permission IN ('READ', 'WRITE')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (file_id, user_id)
);
`, files, fileAccess, files)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustInsertFile(t *testing.T, pool *pgxpool.Pool, schema, fileID, ownerID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "files")+` (id, owner_id) VALUES ($1, $2)`,
		fileID, ownerID,
	); err != nil {
		t.Fatalf("insert file: %v", err)
	}
}

func mustInsertGrant(t *testing.T, pool *pgxpool.Pool, schema, fileID, userID, permission string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "file_access")+` (file_id, user_id, permission) VALUES ($1, $2, $3)`,
		fileID, userID, permission,
	); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
}
