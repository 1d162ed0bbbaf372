package store

import (
	"encoding/json"
	"fmt"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

// statement is one SQL statement with its arguments.
type statement struct {
	sql  string
	args []any
}

const (
	deleteRowsSQL = `DELETE FROM grid_rows WHERE doc_id = $1 AND row_id = ANY($2)`

	deleteColsSQL = `DELETE FROM grid_columns WHERE doc_id = $1 AND col_id = ANY($2)`

	dropCellsSQL = `UPDATE grid_rows SET cells = cells - $2::text[] WHERE doc_id = $1`

	insertColSQL = `INSERT INTO grid_columns (doc_id, col_id, name, display_name, width, order_by, col_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (doc_id, col_id) DO NOTHING`

	// Cells for columns that do not exist are dropped.
	insertRowSQL = `INSERT INTO grid_rows (doc_id, row_id, cells)
		SELECT $1, $2, COALESCE(jsonb_object_agg(e.key, e.value), '{}'::jsonb)
		FROM jsonb_each($3::jsonb) AS e
		WHERE EXISTS (SELECT 1 FROM grid_columns c WHERE c.doc_id = $1 AND c.col_id = e.key)
		ON CONFLICT (doc_id, row_id) DO NOTHING`

	updateCellSQL = `UPDATE grid_rows SET cells = jsonb_set(cells, ARRAY[$3::text], to_jsonb($4::text))
		WHERE doc_id = $1 AND row_id = $2
		AND EXISTS (SELECT 1 FROM grid_columns c WHERE c.doc_id = $1 AND c.col_id = $3)`

	appendOperationSQL = `INSERT INTO grid_operations (doc_id, revision, operation) VALUES ($1, $2, $3)`
)

// mutations translates an accepted operation into the statements that
// materialize it and append it to the log. The statements follow the order
// deletes, column inserts, row inserts, cell updates, log append, and must
// run in one transaction.
func mutations(docID string, revision int, op ot.Operation) ([]statement, error) {
	var stmts []statement

	if len(op.DeleteRows) > 0 {
		ids, err := idsOf(op.DeleteRows)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, statement{deleteRowsSQL, []any{docID, ids}})
	}

	if len(op.DeleteCols) > 0 {
		ids, err := idsOf(op.DeleteCols)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts,
			statement{deleteColsSQL, []any{docID, ids}},
			statement{dropCellsSQL, []any{docID, ids}},
		)
	}

	for _, col := range op.InsertCols {
		id, err := idOf(col.ID)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, statement{insertColSQL, []any{
			docID, id, col.Name, col.DisplayName, col.Width, col.OrderBy, col.Type,
		}})
	}

	for _, row := range op.InsertRows {
		id, err := idOf(row.ID)
		if err != nil {
			return nil, err
		}
		cells := make(map[string]string, len(row.Data))
		for _, cell := range row.Data {
			colID, err := idOf(cell.ColID)
			if err != nil {
				return nil, err
			}
			cells[colID] = cell.Value
		}
		data, err := json.Marshal(cells)
		if err != nil {
			return nil, fmt.Errorf("encode row %s: %w", id, err)
		}
		stmts = append(stmts, statement{insertRowSQL, []any{docID, id, string(data)}})
	}

	for _, cell := range op.UpdateCells {
		rowID, err := idOf(cell.RowID)
		if err != nil {
			return nil, err
		}
		colID, err := idOf(cell.ColID)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, statement{updateCellSQL, []any{docID, rowID, colID, cell.Value}})
	}

	encoded, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	stmts = append(stmts, statement{appendOperationSQL, []any{docID, revision, string(encoded)}})

	return stmts, nil
}

// idOf returns the confirmed id of an identity. Operations reaching storage
// have been resolved by the server; a placeholder here is a bug upstream.
func idOf(id ot.Identity) (string, error) {
	rid, ok := id.ResolvedID()
	if !ok {
		return "", fmt.Errorf("%w: %q", ot.ErrUnresolvedSymbol, id.Symbol())
	}
	return rid, nil
}

func idsOf(ids []ot.Identity) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		rid, err := idOf(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rid)
	}
	return out, nil
}
