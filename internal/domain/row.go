package domain

import "time"

// Key is the logical primary key of a persisted row.
type Key struct {
	Identifier Identifier
	Date       time.Time
}

// Row is one downloaded record keyed by (identifier, date). Seq orders
// multiple records sharing a key, such as the points of one exploded
// volatility surface; it is 0 for plain history rows.
type Row struct {
	Identifier Identifier
	Date       time.Time
	Seq        int
	Fields     map[string]string
}

// Key returns the (identifier, date) key of the row.
func (r Row) Key() Key {
	return Key{Identifier: r.Identifier, Date: Day(r.Date)}
}

// Valid reports whether both key columns are present.
func (r Row) Valid() bool {
	return !r.Identifier.IsZero() && !r.Date.IsZero()
}
