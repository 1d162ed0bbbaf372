// Package ot implements operational transformation for a shared tabular
// document: the Operation type, its compose/transform algebra, the client
// protocol state machine and the authoritative server log.
//
// An Operation batches five independent change-sets (row/column deletions,
// row/column insertions and cell updates). Rows and columns are referenced by
// Identity, which is either a server-confirmed id or a client placeholder
// symbol that the server resolves when it accepts the operation.
//
// # Convergence
//
// For operations A and B produced against the same document state S:
//
//	a, b := Transform(A, B)
//	apply(apply(S, A), b) == apply(apply(S, B), a)
//
// and for sequential operations:
//
//	apply(apply(S, A), B) == apply(S, Compose(A, B))
//
// Both functions are pure, total and deterministic.
package ot

import (
	"errors"
	"fmt"
)

// Protocol errors surfaced at the client/server boundary.
var (
	// ErrRevisionOutOfRange is returned by the server when a client claims a
	// revision that is negative or beyond the log.
	ErrRevisionOutOfRange = errors.New("revision out of range")

	// ErrProtocolViolation marks misuse of the client state machine or a
	// malformed operation. It is fatal to the session.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnresolvedSymbol is returned when an operation references a client
	// symbol that has no confirmed id at materialization time.
	ErrUnresolvedSymbol = errors.New("unresolved client symbol")
)

// Operation is a batch of row/column changes applied atomically.
type Operation struct {
	DeleteRows  []Identity   `json:"deleteRows,omitempty"`
	DeleteCols  []Identity   `json:"deleteCols,omitempty"`
	InsertRows  []InsertRow  `json:"insertRows,omitempty"`
	InsertCols  []InsertCol  `json:"insertCols,omitempty"`
	UpdateCells []UpdateCell `json:"updateCells,omitempty"`
}

// InsertRow inserts a row with initial cell values keyed by column.
type InsertRow struct {
	ID   Identity    `json:"id"`
	Data []CellValue `json:"data"`
}

// CellValue is one cell of an inserted row.
type CellValue struct {
	ColID Identity `json:"colId"`
	Value string   `json:"value"`
}

// InsertCol inserts a column with its display metadata.
type InsertCol struct {
	ID          Identity `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Width       int      `json:"width"`
	OrderBy     int      `json:"orderBy"`
	Type        string   `json:"type"`
}

// UpdateCell writes value into the cell at (RowID, ColID).
type UpdateCell struct {
	RowID Identity `json:"rowId"`
	ColID Identity `json:"colId"`
	Value string   `json:"value"`
}

// IsNoop reports whether op changes nothing.
func (op Operation) IsNoop() bool {
	return len(op.DeleteRows) == 0 &&
		len(op.DeleteCols) == 0 &&
		len(op.InsertRows) == 0 &&
		len(op.InsertCols) == 0 &&
		len(op.UpdateCells) == 0
}

// Len returns the number of entries across all change-sets.
func (op Operation) Len() int {
	return len(op.DeleteRows) + len(op.DeleteCols) + len(op.InsertRows) +
		len(op.InsertCols) + len(op.UpdateCells)
}

// Clone returns a deep copy of op.
func (op Operation) Clone() Operation {
	out := Operation{
		DeleteRows:  cloneSlice(op.DeleteRows),
		DeleteCols:  cloneSlice(op.DeleteCols),
		InsertCols:  cloneSlice(op.InsertCols),
		UpdateCells: cloneSlice(op.UpdateCells),
	}
	if op.InsertRows != nil {
		out.InsertRows = make([]InsertRow, len(op.InsertRows))
		for i, row := range op.InsertRows {
			out.InsertRows[i] = InsertRow{ID: row.ID, Data: cloneSlice(row.Data)}
		}
	}
	return out
}

// Validate checks that every identity in op is set. It does not check that
// the referenced rows and columns exist.
func (op Operation) Validate() error {
	for i, id := range op.DeleteRows {
		if id.IsZero() {
			return fmt.Errorf("%w: deleteRows[%d] has no identity", ErrProtocolViolation, i)
		}
	}
	for i, id := range op.DeleteCols {
		if id.IsZero() {
			return fmt.Errorf("%w: deleteCols[%d] has no identity", ErrProtocolViolation, i)
		}
	}
	for i, row := range op.InsertRows {
		if row.ID.IsZero() {
			return fmt.Errorf("%w: insertRows[%d] has no identity", ErrProtocolViolation, i)
		}
		for j, cell := range row.Data {
			if cell.ColID.IsZero() {
				return fmt.Errorf("%w: insertRows[%d].data[%d] has no column", ErrProtocolViolation, i, j)
			}
		}
	}
	for i, col := range op.InsertCols {
		if col.ID.IsZero() {
			return fmt.Errorf("%w: insertCols[%d] has no identity", ErrProtocolViolation, i)
		}
	}
	for i, cell := range op.UpdateCells {
		if cell.RowID.IsZero() || cell.ColID.IsZero() {
			return fmt.Errorf("%w: updateCells[%d] has no row or column", ErrProtocolViolation, i)
		}
	}
	return nil
}

// strip drops empty change-sets so they are omitted on the wire.
func strip(op Operation) Operation {
	if len(op.DeleteRows) == 0 {
		op.DeleteRows = nil
	}
	if len(op.DeleteCols) == 0 {
		op.DeleteCols = nil
	}
	if len(op.InsertRows) == 0 {
		op.InsertRows = nil
	}
	if len(op.InsertCols) == 0 {
		op.InsertCols = nil
	}
	if len(op.UpdateCells) == 0 {
		op.UpdateCells = nil
	}
	return op
}

// sameCell reports whether two updates target the same cell.
func (c UpdateCell) sameCell(other UpdateCell) bool {
	return c.RowID.Equal(other.RowID) && c.ColID.Equal(other.ColID)
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
