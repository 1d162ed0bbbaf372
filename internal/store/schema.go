// Package store persists documents in PostgreSQL: the materialized grid of
// every document and its committed operation log.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS grid_columns (
		doc_id       TEXT    NOT NULL,
		col_id       TEXT    NOT NULL,
		name         TEXT    NOT NULL DEFAULT '',
		display_name TEXT    NOT NULL DEFAULT '',
		width        INTEGER NOT NULL DEFAULT 0,
		order_by     INTEGER NOT NULL DEFAULT 0,
		col_type     TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (doc_id, col_id)
	)`,
	`CREATE TABLE IF NOT EXISTS grid_rows (
		doc_id TEXT  NOT NULL,
		row_id TEXT  NOT NULL,
		cells  JSONB NOT NULL DEFAULT '{}'::jsonb,
		PRIMARY KEY (doc_id, row_id)
	)`,
	`CREATE TABLE IF NOT EXISTS grid_operations (
		doc_id     TEXT        NOT NULL,
		revision   INTEGER     NOT NULL,
		operation  JSONB       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (doc_id, revision)
	)`,
}

// Store opens per-document stores over a shared pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store using pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Document returns the store of one document.
func (s *Store) Document(docID string) *DocumentStore {
	return &DocumentStore{pool: s.pool, docID: docID}
}
