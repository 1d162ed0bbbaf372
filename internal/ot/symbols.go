package ot

import "fmt"

// SymbolTable maps client symbols to the ids the server assigned them. A table
// is built once per accepted operation and handed to every resolver that
// needs it.
type SymbolTable map[string]string

// AssignSymbols returns a table with a fresh id, produced by newID, for every
// placeholder inserted as a row or column by op. Placeholders that are only
// referenced (updated, deleted or used as a cell's column) are not assigned.
func AssignSymbols(op Operation, newID func() string) SymbolTable {
	table := SymbolTable{}
	assign := func(id Identity) {
		if !id.IsClientSymbol() {
			return
		}
		if _, ok := table[id.symbol]; !ok {
			table[id.symbol] = newID()
		}
	}
	for _, col := range op.InsertCols {
		assign(col.ID)
	}
	for _, row := range op.InsertRows {
		assign(row.ID)
	}
	return table
}

// SymbolsOf collects the symbol to id pairs carried by confirmed identities in
// op. Clients use it on an acknowledged operation to learn the ids the server
// assigned to their placeholders.
func SymbolsOf(op Operation) SymbolTable {
	table := SymbolTable{}
	collect := func(id Identity) {
		if id.kind == KindConfirmed && id.symbol != "" {
			table[id.symbol] = id.id
		}
	}
	walkIdentities(op, func(id Identity) Identity {
		collect(id)
		return id
	})
	return table
}

// Resolve rewrites every placeholder in op to its confirmed identity. A
// placeholder missing from the table fails the whole operation with
// ErrUnresolvedSymbol.
func (t SymbolTable) Resolve(op Operation) (Operation, error) {
	var missing *Identity
	out := walkIdentities(op.Clone(), func(id Identity) Identity {
		if !id.IsClientSymbol() {
			return id
		}
		if confirmed, ok := t[id.symbol]; ok {
			return ToConfirmed(id.symbol, confirmed)
		}
		if missing == nil {
			missing = &id
		}
		return id
	})
	if missing != nil {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnresolvedSymbol, missing.symbol)
	}
	return out, nil
}

// Substitute rewrites the placeholders the table knows and leaves the others
// untouched.
func (t SymbolTable) Substitute(op Operation) Operation {
	return walkIdentities(op.Clone(), func(id Identity) Identity {
		if id.IsClientSymbol() {
			if confirmed, ok := t[id.symbol]; ok {
				return ToConfirmed(id.symbol, confirmed)
			}
		}
		return id
	})
}

// walkIdentities replaces, in place, every identity of op with fn's result.
func walkIdentities(op Operation, fn func(Identity) Identity) Operation {
	for i := range op.DeleteRows {
		op.DeleteRows[i] = fn(op.DeleteRows[i])
	}
	for i := range op.DeleteCols {
		op.DeleteCols[i] = fn(op.DeleteCols[i])
	}
	for i := range op.InsertCols {
		op.InsertCols[i].ID = fn(op.InsertCols[i].ID)
	}
	for i := range op.InsertRows {
		op.InsertRows[i].ID = fn(op.InsertRows[i].ID)
		for j := range op.InsertRows[i].Data {
			op.InsertRows[i].Data[j].ColID = fn(op.InsertRows[i].Data[j].ColID)
		}
	}
	for i := range op.UpdateCells {
		op.UpdateCells[i].RowID = fn(op.UpdateCells[i].RowID)
		op.UpdateCells[i].ColID = fn(op.UpdateCells[i].ColID)
	}
	return op
}
