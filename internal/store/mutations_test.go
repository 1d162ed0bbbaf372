package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

func TestMutations_Order(t *testing.T) {
	op := ot.Operation{
		UpdateCells: []ot.UpdateCell{{RowID: ot.Confirmed("r1"), ColID: ot.Confirmed("c1"), Value: "v"}},
		InsertRows:  []ot.InsertRow{{ID: ot.Confirmed("r2"), Data: []ot.CellValue{{ColID: ot.Confirmed("c1"), Value: "x"}}}},
		InsertCols:  []ot.InsertCol{{ID: ot.Confirmed("c2"), Name: "email", DisplayName: "Email", Width: 80, OrderBy: 3, Type: "text"}},
		DeleteCols:  []ot.Identity{ot.Confirmed("c0")},
		DeleteRows:  []ot.Identity{ot.Confirmed("r0")},
	}

	stmts, err := mutations("doc", 7, op)
	require.NoError(t, err)

	var got []string
	for _, s := range stmts {
		got = append(got, s.sql)
	}
	assert.Equal(t, []string{
		deleteRowsSQL,
		deleteColsSQL,
		dropCellsSQL,
		insertColSQL,
		insertRowSQL,
		updateCellSQL,
		appendOperationSQL,
	}, got)

	assert.Equal(t, []any{"doc", []string{"r0"}}, stmts[0].args)
	assert.Equal(t, []any{"doc", []string{"c0"}}, stmts[2].args)
	assert.Equal(t, []any{"doc", "c2", "email", "Email", 80, 3, "text"}, stmts[3].args)
	assert.Equal(t, []any{"doc", "r2", `{"c1":"x"}`}, stmts[4].args)
	assert.Equal(t, []any{"doc", "r1", "c1", "v"}, stmts[5].args)

	require.Len(t, stmts[6].args, 3)
	assert.Equal(t, 7, stmts[6].args[1])
	var logged ot.Operation
	require.NoError(t, json.Unmarshal([]byte(stmts[6].args[2].(string)), &logged))
	assert.Len(t, logged.UpdateCells, 1)
}

func TestMutations_OnlyLogForEmptyChangeSets(t *testing.T) {
	stmts, err := mutations("doc", 0, ot.Operation{})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, appendOperationSQL, stmts[0].sql)
}

func TestMutations_RejectsPlaceholders(t *testing.T) {
	tests := []struct {
		name string
		op   ot.Operation
	}{
		{"delete row", ot.Operation{DeleteRows: []ot.Identity{ot.Placeholder("s")}}},
		{"insert col", ot.Operation{InsertCols: []ot.InsertCol{{ID: ot.Placeholder("s")}}}},
		{"insert row cell", ot.Operation{InsertRows: []ot.InsertRow{{
			ID:   ot.Confirmed("r"),
			Data: []ot.CellValue{{ColID: ot.Placeholder("s")}},
		}}}},
		{"update", ot.Operation{UpdateCells: []ot.UpdateCell{{RowID: ot.Confirmed("r"), ColID: ot.Placeholder("s")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mutations("doc", 0, tt.op)
			assert.True(t, errors.Is(err, ot.ErrUnresolvedSymbol), "got %v", err)
		})
	}
}

func TestMutations_ResolvedSymbolsUseServerID(t *testing.T) {
	op := ot.Operation{InsertRows: []ot.InsertRow{{ID: ot.ToConfirmed("tmp", "row-1")}}}

	stmts, err := mutations("doc", 0, op)
	require.NoError(t, err)
	assert.Equal(t, "row-1", stmts[0].args[1])
	assert.Equal(t, "{}", stmts[0].args[2])
}

type execRecorder struct {
	sql    []string
	failAt int
}

func (e *execRecorder) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	e.sql = append(e.sql, sql)
	if len(e.sql) == e.failAt {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (e *execRecorder) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (e *execRecorder) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return nil
}

func TestExecAll_StopsAtFirstError(t *testing.T) {
	rec := &execRecorder{failAt: 2}
	stmts := []statement{{sql: "one"}, {sql: "two"}, {sql: "three"}}

	err := execAll(context.Background(), rec, stmts)
	require.Error(t, err)
	assert.Equal(t, []string{"one", "two"}, rec.sql)
}

func TestSchema_CreatesEveryTable(t *testing.T) {
	joined := strings.Join(schema, "\n")
	for _, table := range []string{"grid_columns", "grid_rows", "grid_operations"} {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
