package store

import (
	"context"
	"fmt"
	"log/slog"

	"marketfill/internal/domain"
)

// MergeStats counts what MergeRows did with a batch.
type MergeStats struct {
	Received    int // rows passed in
	Invalid     int // rows without identifier or date
	Existing    int // rows whose key was already stored
	Duplicates  int // repeated (identifier, date, seq) within the batch
	Appended    int // rows written
	Records     int // long-format records written
	Identifiers int // distinct identifiers among appended rows
}

// MergeRows appends the rows of a job result that are not yet in dataset.
//
// Identifiers are normalized and dates truncated to the day before keys are
// compared. A row is dropped when its (identifier, date) key is already
// stored, so re-running the same batch appends nothing. Within the batch the
// first occurrence of each (identifier, date, seq) wins.
//
// The read of existing keys and the append are not atomic; two processes
// merging into the same dataset at once can both append a key.
func MergeRows(ctx context.Context, s RowStore, dataset string, rows []domain.Row, request string) (MergeStats, error) {
	stats := MergeStats{Received: len(rows)}
	if len(rows) == 0 {
		slog.Info("no rows to merge", "dataset", dataset, "request", request)
		return stats, nil
	}

	existing, err := s.ExistingKeys(ctx, dataset)
	if err != nil {
		return stats, fmt.Errorf("reading existing keys of %s: %w", dataset, err)
	}

	type batchKey struct {
		key domain.Key
		seq int
	}
	seen := make(map[batchKey]struct{}, len(rows))
	ids := make(map[domain.Identifier]struct{})
	fresh := make([]domain.Row, 0, len(rows))

	for _, r := range rows {
		r.Identifier = domain.NewIdentifier(r.Identifier.String())
		if !r.Valid() {
			stats.Invalid++
			continue
		}
		r.Date = domain.Day(r.Date)
		k := r.Key()
		if _, ok := existing[k]; ok {
			stats.Existing++
			continue
		}
		bk := batchKey{key: k, seq: r.Seq}
		if _, ok := seen[bk]; ok {
			stats.Duplicates++
			continue
		}
		seen[bk] = struct{}{}
		ids[r.Identifier] = struct{}{}
		fresh = append(fresh, r)
	}

	if len(fresh) == 0 {
		slog.Info("no new rows to append", "dataset", dataset, "request", request,
			"received", stats.Received, "existing", stats.Existing, "invalid", stats.Invalid)
		return stats, nil
	}

	n, err := s.AppendRows(ctx, dataset, fresh, request)
	if err != nil {
		return stats, fmt.Errorf("appending to %s: %w", dataset, err)
	}
	stats.Appended = len(fresh)
	stats.Records = n
	stats.Identifiers = len(ids)

	slog.Info("merged rows", "dataset", dataset, "request", request,
		"received", stats.Received, "appended", stats.Appended, "records", stats.Records,
		"identifiers", stats.Identifiers, "existing", stats.Existing,
		"duplicates", stats.Duplicates, "invalid", stats.Invalid)
	return stats, nil
}
