// Package store persists downloaded rows in long format, one record per
// (identifier, date, seq, field), and answers the key and coverage queries
// the merge layer and the reconciler need.
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"marketfill/internal/coverage"
	"marketfill/internal/domain"
)

// RowStore persists dataset rows. A dataset has no uniqueness constraint;
// deduplication happens in MergeRows before AppendRows is called.
type RowStore interface {
	// ExistingKeys returns every (identifier, date) key stored in dataset.
	ExistingKeys(ctx context.Context, dataset string) (map[domain.Key]struct{}, error)

	// AppendRows appends rows tagged with the request name that produced
	// them and returns the number of records written.
	AppendRows(ctx context.Context, dataset string, rows []domain.Row, request string) (int, error)

	// Coverage returns the stored days per identifier on or after since.
	Coverage(ctx context.Context, dataset string, since time.Time) (coverage.Coverage, error)

	// ReadRows returns all rows of dataset ordered by identifier, date, seq.
	ReadRows(ctx context.Context, dataset string) ([]domain.Row, error)

	Close() error
}

// Record is one stored cell of a row. A row without any non-null field is
// stored as a single record with an empty Field so its key stays visible.
type Record struct {
	Identifier string
	Date       time.Time
	Seq        int
	Field      string
	Value      string
	Request    string
}

// Open returns the store for backend ("sqlite" or "parquet").
func Open(backend, dataDir, sqlitePath string) (RowStore, error) {
	switch backend {
	case "sqlite", "":
		return NewSQLiteStore(sqlitePath)
	case "parquet":
		return NewParquetStore(dataDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

var datasetName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateDataset(name string) error {
	if !datasetName.MatchString(name) {
		return fmt.Errorf("invalid dataset name %q", name)
	}
	return nil
}

// toRecords flattens rows into records with fields in sorted order.
func toRecords(rows []domain.Row, request string) []Record {
	var out []Record
	for _, r := range rows {
		base := Record{
			Identifier: r.Identifier.String(),
			Date:       domain.Day(r.Date),
			Seq:        r.Seq,
			Request:    request,
		}
		if len(r.Fields) == 0 {
			out = append(out, base)
			continue
		}
		names := make([]string, 0, len(r.Fields))
		for f := range r.Fields {
			names = append(names, f)
		}
		sort.Strings(names)
		for _, f := range names {
			rec := base
			rec.Field = f
			rec.Value = r.Fields[f]
			out = append(out, rec)
		}
	}
	return out
}

// fromRecords groups records back into rows. Records must be sorted by
// identifier, date and seq.
func fromRecords(recs []Record) []domain.Row {
	var rows []domain.Row
	for _, rec := range recs {
		id := domain.Identifier(rec.Identifier)
		day := domain.Day(rec.Date)
		n := len(rows)
		if n == 0 || rows[n-1].Identifier != id || !rows[n-1].Date.Equal(day) || rows[n-1].Seq != rec.Seq {
			rows = append(rows, domain.Row{Identifier: id, Date: day, Seq: rec.Seq, Fields: map[string]string{}})
			n++
		}
		if rec.Field != "" {
			rows[n-1].Fields[rec.Field] = rec.Value
		}
	}
	return rows
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Field < b.Field
	})
}
