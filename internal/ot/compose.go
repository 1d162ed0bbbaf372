package ot

// Compose merges two consecutive operations into one that preserves the
// changes of both: a is applied first, then b.
//
// b's deletions and insertions are listed ahead of a's. Insertions whose
// identity is deleted by either operand cancel out, cell updates to deleted
// rows or columns are dropped, and updates to rows inserted by the composed
// operation are folded into the insertion payload.
func Compose(a, b Operation) Operation {
	var out Operation

	out.DeleteRows = unionIdentities(b.DeleteRows, a.DeleteRows)
	out.DeleteCols = unionIdentities(b.DeleteCols, a.DeleteCols)

	for _, rows := range [][]InsertRow{b.InsertRows, a.InsertRows} {
		for _, row := range rows {
			if containsIdentity(out.DeleteRows, row.ID) {
				continue
			}
			out.InsertRows = append(out.InsertRows, InsertRow{ID: row.ID, Data: cloneSlice(row.Data)})
		}
	}
	for _, cols := range [][]InsertCol{b.InsertCols, a.InsertCols} {
		for _, col := range cols {
			if !containsIdentity(out.DeleteCols, col.ID) {
				out.InsertCols = append(out.InsertCols, col)
			}
		}
	}

	var updates []UpdateCell
	for _, cell := range unionUpdates(b.UpdateCells, a.UpdateCells) {
		if containsIdentity(out.DeleteRows, cell.RowID) || containsIdentity(out.DeleteCols, cell.ColID) {
			continue
		}
		updates = append(updates, cell)
	}
	out.UpdateCells, out.InsertRows = absorbUpdates(updates, out.InsertRows)

	return strip(out)
}

// unionIdentities returns the identity-deduplicated union of first and rest,
// keeping the order of first occurrence.
func unionIdentities(first, rest []Identity) []Identity {
	var out []Identity
	for _, ids := range [][]Identity{first, rest} {
		for _, id := range ids {
			if !containsIdentity(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// unionUpdates merges later and earlier cell updates. Cells written by later
// keep later's value; within one list the last write to a cell wins but the
// cell keeps the position of its first write.
func unionUpdates(later, earlier []UpdateCell) []UpdateCell {
	var out []UpdateCell
	for _, cell := range later {
		if i := indexOfCell(out, cell); i >= 0 {
			out[i].Value = cell.Value
			continue
		}
		out = append(out, cell)
	}
	n := len(out)
	for _, cell := range earlier {
		if i := indexOfCell(out[:n], cell); i >= 0 {
			continue
		}
		if i := indexOfCell(out[n:], cell); i >= 0 {
			out[n+i].Value = cell.Value
			continue
		}
		out = append(out, cell)
	}
	return out
}

func indexOfCell(cells []UpdateCell, cell UpdateCell) int {
	for i, c := range cells {
		if c.sameCell(cell) {
			return i
		}
	}
	return -1
}

// absorbUpdates folds updates targeting an inserted row into that row's data.
// Updates for other rows are returned unchanged.
func absorbUpdates(updates []UpdateCell, rows []InsertRow) ([]UpdateCell, []InsertRow) {
	var remaining []UpdateCell
	for _, cell := range updates {
		idx := -1
		for i, row := range rows {
			if row.ID.Equal(cell.RowID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			remaining = append(remaining, cell)
			continue
		}

		row := &rows[idx]
		replaced := false
		for j := range row.Data {
			if row.Data[j].ColID.Equal(cell.ColID) {
				row.Data[j].Value = cell.Value
				replaced = true
			}
		}
		if !replaced {
			row.Data = append(row.Data, CellValue{ColID: cell.ColID, Value: cell.Value})
		}
	}
	return remaining, rows
}
