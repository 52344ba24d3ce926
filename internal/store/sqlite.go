package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"marketfill/internal/coverage"
	"marketfill/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RowStore = (*SQLiteStore)(nil)

// SQLiteStore implements RowStore with one long-format table per dataset.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, tables: make(map[string]bool)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ensureTable creates the dataset table and its key index on first use.
func (s *SQLiteStore) ensureTable(ctx context.Context, dataset string) error {
	if err := validateDataset(dataset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[dataset] {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			identifier  TEXT    NOT NULL,
			date        TEXT    NOT NULL,
			seq         INTEGER NOT NULL DEFAULT 0,
			field       TEXT    NOT NULL DEFAULT '',
			value       TEXT    NOT NULL DEFAULT '',
			request     TEXT    NOT NULL DEFAULT '',
			inserted_at TEXT    NOT NULL
		)`, dataset),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (identifier, date)`, dataset+"_key", dataset),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating table %s: %w", dataset, err)
		}
	}
	s.tables[dataset] = true
	return nil
}

// ExistingKeys returns every (identifier, date) key stored in dataset.
func (s *SQLiteStore) ExistingKeys(ctx context.Context, dataset string) (map[domain.Key]struct{}, error) {
	keys := make(map[domain.Key]struct{})
	err := s.scanKeys(ctx, dataset, time.Time{}, func(id domain.Identifier, day time.Time) {
		keys[domain.Key{Identifier: id, Date: day}] = struct{}{}
	})
	return keys, err
}

// Coverage returns the stored days per identifier on or after since.
func (s *SQLiteStore) Coverage(ctx context.Context, dataset string, since time.Time) (coverage.Coverage, error) {
	cov := make(coverage.Coverage)
	err := s.scanKeys(ctx, dataset, since, func(id domain.Identifier, day time.Time) {
		cov.Add(id.String(), day)
	})
	return cov, err
}

func (s *SQLiteStore) scanKeys(ctx context.Context, dataset string, since time.Time, fn func(domain.Identifier, time.Time)) error {
	if err := s.ensureTable(ctx, dataset); err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT DISTINCT identifier, date FROM %q WHERE date >= ?`, dataset)
	from := ""
	if !since.IsZero() {
		from = since.Format(domain.DateFormat)
	}

	rows, err := s.db.QueryContext(ctx, query, from)
	if err != nil {
		return fmt.Errorf("querying keys of %s: %w", dataset, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, date string
		if err := rows.Scan(&id, &date); err != nil {
			return fmt.Errorf("scanning keys of %s: %w", dataset, err)
		}
		day, err := domain.ParseDay(date)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", dataset, err)
		}
		fn(domain.NewIdentifier(id), day)
	}
	return rows.Err()
}

// AppendRows inserts rows in one transaction.
func (s *SQLiteStore) AppendRows(ctx context.Context, dataset string, rows []domain.Row, request string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.ensureTable(ctx, dataset); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (identifier, date, seq, field, value, request, inserted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, dataset))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	recs := toRecords(rows, request)
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.Identifier, rec.Date.Format(domain.DateFormat),
			rec.Seq, rec.Field, rec.Value, rec.Request, now); err != nil {
			return 0, fmt.Errorf("insert %s/%s: %w", rec.Identifier, rec.Date.Format(domain.DateFormat), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(recs), nil
}

// ReadRows returns all rows of dataset.
func (s *SQLiteStore) ReadRows(ctx context.Context, dataset string) ([]domain.Row, error) {
	if err := s.ensureTable(ctx, dataset); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT identifier, date, seq, field, value, request FROM %q
		 ORDER BY identifier, date, seq, field`, dataset))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", dataset, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var date string
		if err := rows.Scan(&rec.Identifier, &date, &rec.Seq, &rec.Field, &rec.Value, &rec.Request); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dataset, err)
		}
		if rec.Date, err = domain.ParseDay(date); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", dataset, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fromRecords(recs), nil
}
