package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/data/pgxutil"
	apperrors "github.com/target/loadrun-api/internal/errors"
)

// PgDocumentStore persists document nodes in Postgres, one row per path.
// Writes are visible to local readers as soon as the upsert commits.
type PgDocumentStore struct {
	DB *sql.DB
}

var _ core.DocumentStore = (*PgDocumentStore)(nil)

// NewPgDocumentStore creates a store backed by the given pool.
func NewPgDocumentStore(db *sql.DB) *PgDocumentStore {
	return &PgDocumentStore{DB: db}
}

// Get returns the value at path, or nil if no row exists.
func (s *PgDocumentStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if path == "" {
		return nil, apperrors.Validation("path")
	}
	var value json.RawMessage
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT value FROM document_nodes WHERE path = $1`, path,
		).Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get document %s: %w", path, err))
	}
	return value, nil
}

// Set upserts the value at path.
func (s *PgDocumentStore) Set(ctx context.Context, path string, value any) error {
	if path == "" {
		return apperrors.Validation("path")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "marshal document %s", path)
	}
	err = pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		_, execErr := conn.Exec(ctx, `
			INSERT INTO document_nodes (path, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (path)
			DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			path, raw,
		)
		return execErr
	})
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("set document %s: %w", path, err))
	}
	return nil
}

// Delete removes the row at path. Deleting an absent path is a no-op.
func (s *PgDocumentStore) Delete(ctx context.Context, path string) error {
	if path == "" {
		return apperrors.Validation("path")
	}
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		_, execErr := conn.Exec(ctx, `DELETE FROM document_nodes WHERE path = $1`, path)
		return execErr
	})
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("delete document %s: %w", path, err))
	}
	return nil
}

// Health pings the database.
func (s *PgDocumentStore) Health(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
