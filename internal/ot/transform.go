package ot

// Transform takes two operations produced concurrently against the same
// revision and returns (current', received') such that
//
//	apply(apply(S, current), received') == apply(apply(S, received), current')
//
// Conflicts are settled structurally: a deletion beats any update to the
// deleted row or column, and when both sides write the same cell the current
// (local, pending) write wins. Insertions and deletions pass through
// unchanged.
func Transform(current, received Operation) (Operation, Operation) {
	currentPrime := current.Clone()
	receivedPrime := received.Clone()

	receivedPrime.UpdateCells = filterUpdates(received.UpdateCells, func(cell UpdateCell) bool {
		if containsIdentity(current.DeleteRows, cell.RowID) || containsIdentity(current.DeleteCols, cell.ColID) {
			return false
		}
		return indexOfCell(current.UpdateCells, cell) < 0
	})

	currentPrime.UpdateCells = filterUpdates(current.UpdateCells, func(cell UpdateCell) bool {
		return !containsIdentity(received.DeleteRows, cell.RowID) && !containsIdentity(received.DeleteCols, cell.ColID)
	})

	return strip(currentPrime), strip(receivedPrime)
}

func filterUpdates(cells []UpdateCell, keep func(UpdateCell) bool) []UpdateCell {
	var out []UpdateCell
	for _, cell := range cells {
		if keep(cell) {
			out = append(out, cell)
		}
	}
	return out
}
