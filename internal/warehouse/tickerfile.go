package warehouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gocarina/gocsv"

	"marketfill/internal/domain"
	"marketfill/internal/gather"
)

var (
	_ gather.UniverseSource = (*TickerFile)(nil)
	_ gather.UniverseSource = (*Postgres)(nil)
	_ gather.CoverageSource = (*Postgres)(nil)
)

type tickerRow struct {
	BloombergTicker string `csv:"bloomberg_ticker"`
}

// TickerFile remembers every identifier ever seen. Universe unions the
// wrapped source with the file and rewrites the file sorted, so securities
// that left the book keep being maintained.
type TickerFile struct {
	Path   string
	Source gather.UniverseSource // optional
}

// Universe returns the sorted union of the source and the file.
func (f *TickerFile) Universe(ctx context.Context, valuationDate time.Time) ([]domain.Identifier, error) {
	saved, err := ReadTickerFile(f.Path)
	if err != nil {
		return nil, err
	}

	var current []domain.Identifier
	if f.Source != nil {
		if current, err = f.Source.Universe(ctx, valuationDate); err != nil {
			return nil, err
		}
	}

	set := make(map[domain.Identifier]struct{}, len(saved)+len(current))
	for _, id := range append(saved, current...) {
		set[id] = struct{}{}
	}
	combined := make([]domain.Identifier, 0, len(set))
	for id := range set {
		combined = append(combined, id)
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i] < combined[j] })

	if err := WriteTickerFile(f.Path, combined); err != nil {
		return nil, err
	}
	slog.Info("combined ticker list", "path", f.Path, "saved", len(saved),
		"current", len(current), "combined", len(combined))
	return combined, nil
}

// ReadTickerFile returns the normalized identifiers in path. A missing file
// is an empty list.
func ReadTickerFile(path string) ([]domain.Identifier, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ticker file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var rows []tickerRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing ticker file %s: %w", path, err)
	}
	raw := make([]string, len(rows))
	for i, r := range rows {
		raw[i] = r.BloombergTicker
	}
	return domain.NewIdentifiers(raw), nil
}

// WriteTickerFile replaces path with ids, one per row.
func WriteTickerFile(path string, ids []domain.Identifier) error {
	rows := make([]tickerRow, len(ids))
	for i, id := range ids {
		rows[i] = tickerRow{BloombergTicker: id.String()}
	}
	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return fmt.Errorf("encoding ticker file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("writing ticker file: %w", err)
	}
	return os.Rename(tmp, path)
}
