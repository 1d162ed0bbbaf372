package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

// DocumentStore materializes the operations of one document. It implements
// ot.Materializer: every operation is applied and logged in a single
// transaction.
type DocumentStore struct {
	pool  *pgxpool.Pool
	docID string
}

// ApplyOperation materializes op and records it at revision.
func (d *DocumentStore) ApplyOperation(ctx context.Context, revision int, op ot.Operation) error {
	stmts, err := mutations(d.docID, revision, op)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if err := execAll(ctx, tx, stmts); err != nil {
			return fmt.Errorf("document %s revision %d: %w", d.docID, revision, err)
		}
		return nil
	})
}

func execAll(ctx context.Context, db DBTX, stmts []statement) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt.sql, stmt.args...); err != nil {
			return err
		}
	}
	return nil
}

// LoadOperations returns the committed log in revision order.
func (d *DocumentStore) LoadOperations(ctx context.Context) ([]ot.Operation, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT revision, operation FROM grid_operations WHERE doc_id = $1 ORDER BY revision`,
		d.docID,
	)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()

	var ops []ot.Operation
	for rows.Next() {
		var (
			revision int
			raw      []byte
		)
		if err := rows.Scan(&revision, &raw); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if revision != len(ops) {
			return nil, fmt.Errorf("document %s: log gap at revision %d", d.docID, len(ops))
		}
		var op ot.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode revision %d: %w", revision, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// Snapshot reads the materialized grid.
func (d *DocumentStore) Snapshot(ctx context.Context) (grid.Snapshot, error) {
	var snap grid.Snapshot

	colRows, err := d.pool.Query(ctx,
		`SELECT col_id, name, display_name, width, order_by, col_type
		FROM grid_columns WHERE doc_id = $1`,
		d.docID,
	)
	if err != nil {
		return snap, fmt.Errorf("query columns: %w", err)
	}
	cols, err := pgx.CollectRows(colRows, func(row pgx.CollectableRow) (grid.Column, error) {
		var (
			c  grid.Column
			id string
		)
		err := row.Scan(&id, &c.Name, &c.DisplayName, &c.Width, &c.OrderBy, &c.Type)
		c.ID = ot.Confirmed(id)
		return c, err
	})
	if err != nil {
		return snap, fmt.Errorf("scan columns: %w", err)
	}

	rowRows, err := d.pool.Query(ctx, `SELECT row_id, cells FROM grid_rows WHERE doc_id = $1`, d.docID)
	if err != nil {
		return snap, fmt.Errorf("query rows: %w", err)
	}
	rows, err := pgx.CollectRows(rowRows, func(row pgx.CollectableRow) (grid.Row, error) {
		var (
			id  string
			raw []byte
		)
		if err := row.Scan(&id, &raw); err != nil {
			return grid.Row{}, err
		}
		var cells map[string]string
		if err := json.Unmarshal(raw, &cells); err != nil {
			return grid.Row{}, fmt.Errorf("decode row %s: %w", id, err)
		}
		r := grid.Row{ID: ot.Confirmed(id)}
		for colID, value := range cells {
			r.Cells = append(r.Cells, ot.CellValue{ColID: ot.Confirmed(colID), Value: value})
		}
		return r, nil
	})
	if err != nil {
		return snap, fmt.Errorf("scan rows: %w", err)
	}

	// Round-trip through a grid for canonical ordering.
	return grid.FromSnapshot(grid.Snapshot{Columns: cols, Rows: rows}).Snapshot(), nil
}

// Reset deletes the document's grid and log.
func (d *DocumentStore) Reset(ctx context.Context) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"grid_rows", "grid_columns", "grid_operations"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE doc_id = $1", d.docID); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}
