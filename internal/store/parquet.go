package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketfill/internal/coverage"
	"marketfill/internal/domain"
)

// Compile-time interface check.
var _ RowStore = (*ParquetStore)(nil)

// ParquetStore implements RowStore using Parquet files on disk, one file per
// identifier and year:
//
//	<DataDir>/<dataset>/<IDENTIFIER>/<YYYY>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// Close is a no-op; files are closed after every write.
func (s *ParquetStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// CellRecord is the Parquet schema for one long-format cell.
type CellRecord struct {
	Identifier string `parquet:"identifier"`
	Date       int64  `parquet:"date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Seq        int32  `parquet:"seq"`
	Field      string `parquet:"field"`
	Value      string `parquet:"value"`
	Request    string `parquet:"request"`
}

func toCell(r Record) CellRecord {
	return CellRecord{
		Identifier: r.Identifier,
		Date:       r.Date.UnixMilli(),
		Seq:        int32(r.Seq),
		Field:      r.Field,
		Value:      r.Value,
		Request:    r.Request,
	}
}

func (c CellRecord) record() Record {
	return Record{
		Identifier: c.Identifier,
		Date:       domain.Day(time.UnixMilli(c.Date).UTC()),
		Seq:        int(c.Seq),
		Field:      c.Field,
		Value:      c.Value,
		Request:    c.Request,
	}
}

// ---------------------------------------------------------------------------
// RowStore implementation
// ---------------------------------------------------------------------------

// AppendRows merges rows into the per identifier/year files. Each file is
// read, merged and rewritten; cells identical in every column are kept once.
func (s *ParquetStore) AppendRows(_ context.Context, dataset string, rows []domain.Row, request string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := validateDataset(dataset); err != nil {
		return 0, err
	}

	type key struct {
		identifier string
		year       int
	}
	groups := make(map[key][]CellRecord)
	recs := toRecords(rows, request)
	for _, r := range recs {
		k := key{identifier: r.Identifier, year: r.Date.Year()}
		groups[k] = append(groups[k], toCell(r))
	}

	for k, incoming := range groups {
		path := s.cellPath(dataset, k.identifier, k.year)

		existing, err := readParquetFile[CellRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeCellRecords(existing, incoming)

		if err := writeParquetFile(path, merged); err != nil {
			return 0, fmt.Errorf("writing %s/%s/%d: %w", dataset, k.identifier, k.year, err)
		}
	}
	return len(recs), nil
}

// ExistingKeys returns every (identifier, date) key stored in dataset.
func (s *ParquetStore) ExistingKeys(_ context.Context, dataset string) (map[domain.Key]struct{}, error) {
	keys := make(map[domain.Key]struct{})
	err := s.walk(dataset, time.Time{}, func(r Record) {
		keys[domain.Key{Identifier: domain.Identifier(r.Identifier), Date: r.Date}] = struct{}{}
	})
	return keys, err
}

// Coverage returns the stored days per identifier on or after since.
func (s *ParquetStore) Coverage(_ context.Context, dataset string, since time.Time) (coverage.Coverage, error) {
	cov := make(coverage.Coverage)
	err := s.walk(dataset, since, func(r Record) {
		cov.Add(r.Identifier, r.Date)
	})
	return cov, err
}

// ReadRows returns all rows of dataset.
func (s *ParquetStore) ReadRows(_ context.Context, dataset string) ([]domain.Row, error) {
	var recs []Record
	if err := s.walk(dataset, time.Time{}, func(r Record) { recs = append(recs, r) }); err != nil {
		return nil, err
	}
	sortRecords(recs)
	return fromRecords(recs), nil
}

// walk visits every record of dataset dated on or after since. Year files
// entirely before since are skipped without being read.
func (s *ParquetStore) walk(dataset string, since time.Time, fn func(Record)) error {
	if err := validateDataset(dataset); err != nil {
		return err
	}
	root := filepath.Join(s.DataDir, dataset)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".parquet" {
			return nil
		}
		if !since.IsZero() {
			var year int
			if _, err := fmt.Sscanf(strings.TrimSuffix(d.Name(), ".parquet"), "%d", &year); err == nil && year < since.Year() {
				return nil
			}
		}

		cells, err := readParquetFile[CellRecord](path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		for _, c := range cells {
			r := c.record()
			if !since.IsZero() && r.Date.Before(domain.Day(since)) {
				continue
			}
			fn(r)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// cellPath returns the filesystem path for an identifier/year file. Path
// separators in the identifier are replaced so it stays one directory.
func (s *ParquetStore) cellPath(dataset, identifier string, year int) string {
	dir := strings.NewReplacer("/", "_", `\`, "_").Replace(strings.ToUpper(identifier))
	return filepath.Join(s.DataDir, dataset, dir, fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeCellRecords appends incoming to existing, dropping cells equal in
// every column to one already present. Results are sorted by date, seq and
// field.
func mergeCellRecords(existing, incoming []CellRecord) []CellRecord {
	seen := make(map[CellRecord]struct{}, len(existing)+len(incoming))
	merged := make([]CellRecord, 0, len(existing)+len(incoming))
	for _, batch := range [][]CellRecord{existing, incoming} {
		for _, c := range batch {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			merged = append(merged, c)
		}
	}

	recs := make([]Record, len(merged))
	for i, c := range merged {
		recs[i] = c.record()
	}
	sortRecords(recs)
	for i, r := range recs {
		merged[i] = toCell(r)
	}
	return merged
}
