// Package grid is an in-memory materialization of a tabular document. It
// serves as the local document of a client session and as the server-side
// store when no database is configured.
package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

// Column is a materialized column.
type Column struct {
	ID          ot.Identity `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Width       int         `json:"width"`
	OrderBy     int         `json:"orderBy"`
	Type        string      `json:"type"`
}

// Row is a materialized row. Cells follow column order and omit cells that
// were never written.
type Row struct {
	ID    ot.Identity    `json:"id"`
	Cells []ot.CellValue `json:"cells"`
}

// Snapshot is the canonical, ordered view of a grid. Columns are sorted by
// OrderBy then id; rows by id. Two grids holding the same content always
// produce equal snapshots.
type Snapshot struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

type row struct {
	cells map[string]string
}

// Grid holds rows and columns keyed by identity. Confirmed entities are keyed
// by id and pending ones by client symbol until ConfirmSymbols re-keys them.
//
// Grid is safe for concurrent use.
type Grid struct {
	mu      sync.RWMutex
	cols    map[string]ot.InsertCol
	rows    map[string]*row
	aliases map[string]string
}

// New returns an empty grid.
func New() *Grid {
	return &Grid{
		cols:    make(map[string]ot.InsertCol),
		rows:    make(map[string]*row),
		aliases: make(map[string]string),
	}
}

// FromSnapshot rebuilds a grid from s.
func FromSnapshot(s Snapshot) *Grid {
	g := New()
	for _, c := range s.Columns {
		g.cols[g.keyOf(c.ID)] = ot.InsertCol{
			ID:          c.ID,
			Name:        c.Name,
			DisplayName: c.DisplayName,
			Width:       c.Width,
			OrderBy:     c.OrderBy,
			Type:        c.Type,
		}
	}
	for _, r := range s.Rows {
		cells := make(map[string]string, len(r.Cells))
		for _, cell := range r.Cells {
			cells[g.keyOf(cell.ColID)] = cell.Value
		}
		g.rows[g.keyOf(r.ID)] = &row{cells: cells}
	}
	return g
}

const (
	confirmedPrefix = "#"
	symbolPrefix    = "$"
)

// keyOf returns the map key an identity would be stored under if it were
// inserted now.
func (g *Grid) keyOf(id ot.Identity) string {
	if rid, ok := id.ResolvedID(); ok {
		return confirmedPrefix + rid
	}
	if rid, ok := g.aliases[id.Symbol()]; ok {
		return confirmedPrefix + rid
	}
	return symbolPrefix + id.Symbol()
}

// lookup finds the key an existing entity is stored under. A confirmed
// identity that remembers its symbol also matches a still-pending entry.
func (g *Grid) lookup(id ot.Identity, has func(string) bool) (string, bool) {
	key := g.keyOf(id)
	if has(key) {
		return key, true
	}
	if id.Symbol() != "" {
		if alt := symbolPrefix + id.Symbol(); has(alt) {
			return alt, true
		}
	}
	return key, false
}

func (g *Grid) hasRow(key string) bool { _, ok := g.rows[key]; return ok }
func (g *Grid) hasCol(key string) bool { _, ok := g.cols[key]; return ok }

// ApplyOperation materializes op. Deletions are applied first, then column
// and row insertions, then cell updates. References to rows or columns that
// do not exist are ignored, except for client symbols the grid has never seen
// or confirmed, which fail the whole operation with ot.ErrUnresolvedSymbol. On error the
// grid is unchanged.
func (g *Grid) ApplyOperation(op ot.Operation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(op); err != nil {
		return err
	}

	for _, id := range op.DeleteRows {
		if key, ok := g.lookup(id, g.hasRow); ok {
			delete(g.rows, key)
		}
	}
	for _, id := range op.DeleteCols {
		if key, ok := g.lookup(id, g.hasCol); ok {
			delete(g.cols, key)
			for _, r := range g.rows {
				delete(r.cells, key)
			}
		}
	}
	for _, col := range op.InsertCols {
		key := g.keyOf(col.ID)
		if g.hasCol(key) {
			continue
		}
		g.cols[key] = col
	}
	for _, ins := range op.InsertRows {
		key := g.keyOf(ins.ID)
		if g.hasRow(key) {
			continue
		}
		r := &row{cells: make(map[string]string, len(ins.Data))}
		for _, cell := range ins.Data {
			if colKey, ok := g.lookup(cell.ColID, g.hasCol); ok {
				r.cells[colKey] = cell.Value
			}
		}
		g.rows[key] = r
	}
	for _, upd := range op.UpdateCells {
		rowKey, ok := g.lookup(upd.RowID, g.hasRow)
		if !ok {
			continue
		}
		colKey, ok := g.lookup(upd.ColID, g.hasCol)
		if !ok {
			continue
		}
		g.rows[rowKey].cells[colKey] = upd.Value
	}
	return nil
}

// check rejects operations that reference unknown client symbols.
func (g *Grid) check(op ot.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	newRows := make(map[string]bool, len(op.InsertRows))
	for _, r := range op.InsertRows {
		newRows[g.keyOf(r.ID)] = true
	}
	newCols := make(map[string]bool, len(op.InsertCols))
	for _, c := range op.InsertCols {
		newCols[g.keyOf(c.ID)] = true
	}
	knownRow := func(k string) bool { return g.hasRow(k) || newRows[k] }
	knownCol := func(k string) bool { return g.hasCol(k) || newCols[k] }

	resolvable := func(id ot.Identity, known func(string) bool) error {
		if !id.IsClientSymbol() {
			return nil
		}
		// Confirmed symbols behave like ids: a missing entity was deleted.
		if _, ok := g.aliases[id.Symbol()]; ok {
			return nil
		}
		if _, ok := g.lookup(id, known); ok {
			return nil
		}
		return fmt.Errorf("%w: %q", ot.ErrUnresolvedSymbol, id.Symbol())
	}

	for _, id := range op.DeleteRows {
		if err := resolvable(id, knownRow); err != nil {
			return err
		}
	}
	for _, id := range op.DeleteCols {
		if err := resolvable(id, knownCol); err != nil {
			return err
		}
	}
	for _, r := range op.InsertRows {
		for _, cell := range r.Data {
			if err := resolvable(cell.ColID, knownCol); err != nil {
				return err
			}
		}
	}
	for _, upd := range op.UpdateCells {
		if err := resolvable(upd.RowID, knownRow); err != nil {
			return err
		}
		if err := resolvable(upd.ColID, knownCol); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmSymbols re-keys pending rows and columns under the ids the server
// assigned them. Later references by symbol keep resolving.
func (g *Grid) ConfirmSymbols(table ot.SymbolTable) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for symbol, id := range table {
		g.aliases[symbol] = id
		from, to := symbolPrefix+symbol, confirmedPrefix+id

		if r, ok := g.rows[from]; ok {
			delete(g.rows, from)
			g.rows[to] = r
		}
		if c, ok := g.cols[from]; ok {
			delete(g.cols, from)
			c.ID = ot.ToConfirmed(symbol, id)
			g.cols[to] = c
			for _, r := range g.rows {
				if v, ok := r.cells[from]; ok {
					delete(r.cells, from)
					r.cells[to] = v
				}
			}
		}
	}
	return nil
}

// Materializer adapts g to the server's storage hook.
func (g *Grid) Materializer() ot.Materializer {
	return ot.MaterializerFunc(func(_ context.Context, _ int, op ot.Operation) error {
		return g.ApplyOperation(op)
	})
}

// Snapshot returns the canonical view of the grid.
func (g *Grid) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type keyed struct {
		key string
		col ot.InsertCol
	}
	cols := make([]keyed, 0, len(g.cols))
	for key, c := range g.cols {
		cols = append(cols, keyed{key, c})
	}
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].col.OrderBy != cols[j].col.OrderBy {
			return cols[i].col.OrderBy < cols[j].col.OrderBy
		}
		return cols[i].key < cols[j].key
	})

	snap := Snapshot{
		Columns: make([]Column, 0, len(cols)),
		Rows:    make([]Row, 0, len(g.rows)),
	}
	for _, kc := range cols {
		snap.Columns = append(snap.Columns, Column{
			ID:          identityOf(kc.key),
			Name:        kc.col.Name,
			DisplayName: kc.col.DisplayName,
			Width:       kc.col.Width,
			OrderBy:     kc.col.OrderBy,
			Type:        kc.col.Type,
		})
	}

	rowKeys := make([]string, 0, len(g.rows))
	for key := range g.rows {
		rowKeys = append(rowKeys, key)
	}
	sort.Strings(rowKeys)
	for _, key := range rowKeys {
		r := g.rows[key]
		out := Row{ID: identityOf(key), Cells: make([]ot.CellValue, 0, len(r.cells))}
		for _, kc := range cols {
			if v, ok := r.cells[kc.key]; ok {
				out.Cells = append(out.Cells, ot.CellValue{ColID: identityOf(kc.key), Value: v})
			}
		}
		snap.Rows = append(snap.Rows, out)
	}
	return snap
}

// Len returns the number of rows and columns.
func (g *Grid) Len() (rows, cols int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rows), len(g.cols)
}

// Equal reports whether g and other hold the same content.
func (g *Grid) Equal(other *Grid) bool {
	return cmp.Equal(g.Snapshot(), other.Snapshot())
}

func identityOf(key string) ot.Identity {
	if key[:1] == confirmedPrefix {
		return ot.Confirmed(key[1:])
	}
	return ot.Placeholder(key[1:])
}
