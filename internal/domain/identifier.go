// Package domain holds the value types shared by the vendor client, the
// coverage reconciler and the stores.
package domain

import "strings"

// Identifier is a vendor security symbol in normalized form, e.g.
// "AAPL US EQUITY". Surrounding whitespace is trimmed, inner runs of
// whitespace collapse to one space and letters are upper-cased, so two
// spellings of the same security always compare equal.
type Identifier string

// NewIdentifier normalizes a raw symbol.
func NewIdentifier(raw string) Identifier {
	return Identifier(strings.ToUpper(strings.Join(strings.Fields(raw), " ")))
}

// NewIdentifiers normalizes raw symbols, dropping blanks and duplicates while
// keeping first-seen order.
func NewIdentifiers(raw []string) []Identifier {
	seen := make(map[Identifier]struct{}, len(raw))
	ids := make([]Identifier, 0, len(raw))
	for _, r := range raw {
		id := NewIdentifier(r)
		if id.IsZero() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (id Identifier) String() string { return string(id) }

// IsZero reports whether the identifier is empty.
func (id Identifier) IsZero() bool { return id == "" }
