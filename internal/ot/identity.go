package ot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedIdentity is returned when an identity carries neither an id nor a symbol.
var ErrMalformedIdentity = errors.New("malformed identity: id or symbol required")

// IdentityKind tags which variant an Identity holds.
type IdentityKind uint8

const (
	// KindInvalid is the zero Identity. It never appears in a well-formed operation.
	KindInvalid IdentityKind = iota
	// KindConfirmed is a server-assigned identifier, optionally remembering the
	// client symbol it resolved.
	KindConfirmed
	// KindSymbol is a client-local placeholder awaiting confirmation.
	KindSymbol
)

func (k IdentityKind) String() string {
	switch k {
	case KindConfirmed:
		return "confirmed"
	case KindSymbol:
		return "symbol"
	default:
		return "invalid"
	}
}

// Identity references a row or a column.
//
// Construct values with Confirmed, Placeholder or ToConfirmed; the zero value
// is invalid.
type Identity struct {
	kind   IdentityKind
	id     string
	symbol string
}

// Confirmed returns a server-confirmed identity.
func Confirmed(id string) Identity {
	return Identity{kind: KindConfirmed, id: id}
}

// Placeholder returns a client-local identity for an entity whose server id is
// not known yet.
func Placeholder(symbol string) Identity {
	return Identity{kind: KindSymbol, symbol: symbol}
}

// ToConfirmed returns the confirmed identity that symbol resolved to. The
// symbol is retained so that pending references to it still compare equal.
func ToConfirmed(symbol, id string) Identity {
	return Identity{kind: KindConfirmed, id: id, symbol: symbol}
}

// Kind reports the variant held by id.
func (id Identity) Kind() IdentityKind { return id.kind }

// IsZero reports whether id is the invalid zero value.
func (id Identity) IsZero() bool { return id.kind == KindInvalid }

// IsClientSymbol reports whether id is a placeholder without a server id.
func (id Identity) IsClientSymbol() bool { return id.kind == KindSymbol }

// ResolvedID returns the confirmed id, if any.
func (id Identity) ResolvedID() (string, bool) {
	if id.kind == KindConfirmed {
		return id.id, true
	}
	return "", false
}

// Symbol returns the client symbol carried by id, which may be empty for
// identities that were created on the server.
func (id Identity) Symbol() string { return id.symbol }

// Equal reports whether a and b reference the same entity. Two confirmed
// identities compare by id; otherwise they compare by symbol, so a confirmed
// identity that kept its symbol still matches the placeholder it replaced.
func (id Identity) Equal(other Identity) bool {
	if id.kind == KindConfirmed && other.kind == KindConfirmed {
		return id.id == other.id
	}
	return id.symbol != "" && id.symbol == other.symbol
}

// String returns the confirmed id, or the symbol for placeholders.
func (id Identity) String() string {
	if id.kind == KindConfirmed {
		return id.id
	}
	return id.symbol
}

// GoString makes test diffs readable.
func (id Identity) GoString() string {
	switch id.kind {
	case KindConfirmed:
		if id.symbol != "" {
			return fmt.Sprintf("ot.ToConfirmed(%q, %q)", id.symbol, id.id)
		}
		return fmt.Sprintf("ot.Confirmed(%q)", id.id)
	case KindSymbol:
		return fmt.Sprintf("ot.Placeholder(%q)", id.symbol)
	default:
		return "ot.Identity{}"
	}
}

type identityJSON struct {
	ID     string `json:"id,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// MarshalJSON encodes id as {"id": ..., "symbol": ...} with absent fields omitted.
func (id Identity) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case KindConfirmed:
		return json.Marshal(identityJSON{ID: id.id, Symbol: id.symbol})
	case KindSymbol:
		return json.Marshal(identityJSON{Symbol: id.symbol})
	default:
		return nil, ErrMalformedIdentity
	}
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (id *Identity) UnmarshalJSON(b []byte) error {
	var raw identityJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode identity: %w", err)
	}
	switch {
	case raw.ID != "":
		*id = Identity{kind: KindConfirmed, id: raw.ID, symbol: raw.Symbol}
	case raw.Symbol != "":
		*id = Placeholder(raw.Symbol)
	default:
		return ErrMalformedIdentity
	}
	return nil
}

// containsIdentity reports whether ids holds an identity equal to id.
func containsIdentity(ids []Identity, id Identity) bool {
	for _, other := range ids {
		if other.Equal(id) {
			return true
		}
	}
	return false
}
