package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/logging"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

// CSV import errors.
var (
	ErrFileTooLarge = errors.New("file too large")
	ErrInvalidCSV   = errors.New("invalid csv")
	ErrEmptyFile    = errors.New("empty file")
)

const (
	importColumnType = "text"

	// importCheckEvery is how many records are parsed between context checks.
	importCheckEvery = 1000
)

// ImportResult describes a committed CSV import.
type ImportResult struct {
	Revision  int   `json:"revision"`
	Columns   int   `json:"columns"`
	Rows      int   `json:"rows"`
	Bytes     int64 `json:"bytes"`
	Truncated bool  `json:"truncated"`
}

// ImportCSV appends the columns named by the CSV header and one row per
// record to a document, as a single operation submitted by origin.
//
// Columns are placed after the existing ones and get server ids like any
// client insert. Records beyond Import.MaxRows are dropped and the result
// is marked truncated. Empty cells are not written.
func (s *Service) ImportCSV(ctx context.Context, docID, origin string, body io.Reader) (ImportResult, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return ImportResult{}, err
	}

	if err := s.imports.Acquire(ctx); err != nil {
		return ImportResult{}, err
	}
	defer s.imports.Release()

	cfg := s.cfg.Import
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger := logging.WithFields(ctx, requestFields(ctx, docID, origin)...)
	start := time.Now()

	reader, counter, err := newImportReader(body, cfg.MaxFileSize)
	if err != nil {
		return ImportResult{}, csvError(err)
	}
	records := csv.NewReader(reader)
	records.ReuseRecord = true

	header, err := records.Read()
	if errors.Is(err, io.EOF) {
		return ImportResult{}, ErrEmptyFile
	}
	if err != nil {
		return ImportResult{}, csvError(err)
	}

	state, err := s.State(ctx, docID)
	if err != nil {
		return ImportResult{}, err
	}

	cols := importColumns(header, nextOrder(state.Snapshot), cfg.ColumnWidth)
	op := ot.Operation{InsertCols: cols}
	result := ImportResult{Columns: len(cols)}

	for {
		record, err := records.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ImportResult{}, csvError(err)
		}
		if cfg.MaxRows > 0 && len(op.InsertRows) >= cfg.MaxRows {
			result.Truncated = true
			break
		}
		if len(op.InsertRows)%importCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return ImportResult{}, err
			}
		}
		op.InsertRows = append(op.InsertRows, importRow(record, cols))
	}
	result.Rows = len(op.InsertRows)
	result.Bytes = counter.BytesRead()

	accepted, err := s.Submit(ctx, docID, origin, state.Revision, op)
	if err != nil && !errors.Is(err, ErrBroadcastFailed) {
		return ImportResult{}, err
	}
	result.Revision = accepted.Revision

	logger.Info("csv imported",
		"revision", result.Revision,
		"columns", result.Columns,
		"rows", result.Rows,
		"bytes", result.Bytes,
		"truncated", result.Truncated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, err
}

func csvError(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}
	return err
}

// nextOrder returns the first OrderBy value after every existing column.
func nextOrder(snap grid.Snapshot) int {
	next := 0
	for _, c := range snap.Columns {
		if c.OrderBy >= next {
			next = c.OrderBy + 1
		}
	}
	return next
}

func importColumns(header []string, order, width int) []ot.InsertCol {
	cols := make([]ot.InsertCol, len(header))
	for i, name := range header {
		name = cleanHeader(name)
		if name == "" {
			name = fmt.Sprintf("Column %d", i+1)
		}
		cols[i] = ot.InsertCol{
			ID:          ot.Placeholder(uuid.NewString()),
			Name:        name,
			DisplayName: name,
			Width:       width,
			OrderBy:     order + i,
			Type:        importColumnType,
		}
	}
	return cols
}

// cleanHeader trims whitespace, an Excel formula wrapper (="...") and
// surrounding quotes from a header cell.
func cleanHeader(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}

func importRow(record []string, cols []ot.InsertCol) ot.InsertRow {
	row := ot.InsertRow{ID: ot.Placeholder(uuid.NewString())}
	for i, value := range record {
		if value == "" || i >= len(cols) {
			continue
		}
		row.Data = append(row.Data, ot.CellValue{ColID: cols[i].ID, Value: value})
	}
	return row
}

// ExportCSV writes a document as CSV: a header of column display names,
// then one record per row in snapshot order.
func (s *Service) ExportCSV(ctx context.Context, docID string, w io.Writer) error {
	state, err := s.State(ctx, docID)
	if err != nil {
		return err
	}

	cols := state.Snapshot.Columns
	index := make(map[string]int, len(cols))
	header := make([]string, len(cols))
	for i, c := range cols {
		index[c.ID.String()] = i
		header[i] = c.DisplayName
		if header[i] == "" {
			header[i] = c.Name
		}
	}

	out := csv.NewWriter(w)
	if err := out.Write(header); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for _, row := range state.Snapshot.Rows {
		clear(record)
		for _, cell := range row.Cells {
			if i, ok := index[cell.ColID.String()]; ok {
				record[i] = cell.Value
			}
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return err
	}

	slog.Debug("csv exported", "doc_id", docID, "revision", state.Revision, "rows", len(state.Snapshot.Rows))
	return nil
}
