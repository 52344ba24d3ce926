package warehouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketfill/internal/domain"
)

// fakeRows serves fixed tuples through the pgx.Rows interface.
type fakeRows struct {
	data [][]any
	i    int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.i-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type fakeQuerier struct {
	rows [][]any
	sql  string
	args []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql = sql
	q.args = args
	return &fakeRows{data: q.rows}, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestUniverse(t *testing.T) {
	q := &fakeQuerier{rows: [][]any{{"AAPL US Equity"}, {"aapl us equity"}, {" MSFT  US Equity "}, {""}}}
	w := New(q, nil, "enfusion")

	ids, err := w.Universe(context.Background(), day(2024, 6, 3).Add(13*time.Hour))
	if err != nil {
		t.Fatalf("Universe: %v", err)
	}
	if len(ids) != 2 || ids[0] != "AAPL US EQUITY" || ids[1] != "MSFT US EQUITY" {
		t.Errorf("Universe = %v, want [AAPL US EQUITY MSFT US EQUITY]", ids)
	}
	if !strings.Contains(q.sql, "position.aggregated_valuations") {
		t.Errorf("unexpected query %q", q.sql)
	}
	if got := q.args[0].(time.Time); !got.Equal(day(2024, 6, 3)) {
		t.Errorf("valuation date arg = %v, want 2024-06-03", got)
	}
	if q.args[1] != "enfusion" {
		t.Errorf("etrm arg = %v", q.args[1])
	}
}

func TestCoverageMergesCase(t *testing.T) {
	q := &fakeQuerier{rows: [][]any{
		{"aapl us equity", day(2022, 6, 18)},
		{"AAPL US Equity", day(2022, 6, 19)},
		{"MSFT US Equity", day(2022, 6, 18)},
	}}
	w := New(nil, q, "enfusion")

	cov, err := w.Coverage(context.Background(), day(2022, 6, 18))
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if len(cov) != 2 {
		t.Fatalf("Coverage has %d identifiers, want 2", len(cov))
	}
	if cov["AAPL US EQUITY"].Len() != 2 {
		t.Errorf("AAPL coverage = %d days, want 2", cov["AAPL US EQUITY"].Len())
	}
}

func TestUnconfiguredWarehouse(t *testing.T) {
	w := New(nil, nil, "enfusion")
	if _, err := w.Universe(context.Background(), time.Now()); err == nil {
		t.Error("Universe without positions db = nil error")
	}
	if _, err := w.Coverage(context.Background(), time.Now()); err == nil {
		t.Error("Coverage without market db = nil error")
	}
}

type staticSource []domain.Identifier

func (s staticSource) Universe(context.Context, time.Time) ([]domain.Identifier, error) {
	return s, nil
}

func TestTickerFileCombinesAndRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all_tickers.csv")
	if err := os.WriteFile(path, []byte("bloomberg_ticker\nZZZ US Equity\nAAPL US Equity\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := &TickerFile{Path: path, Source: staticSource{"MSFT US EQUITY", "AAPL US EQUITY"}}
	ids, err := f.Universe(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Universe: %v", err)
	}
	want := []domain.Identifier{"AAPL US EQUITY", "MSFT US EQUITY", "ZZZ US EQUITY"}
	if len(ids) != len(want) {
		t.Fatalf("Universe = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Universe[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	saved, err := ReadTickerFile(path)
	if err != nil {
		t.Fatalf("ReadTickerFile: %v", err)
	}
	if len(saved) != 3 || saved[0] != "AAPL US EQUITY" {
		t.Errorf("rewritten file = %v, want sorted combined list", saved)
	}
}

func TestTickerFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "tickers.csv")
	ids, err := ReadTickerFile(path)
	if err != nil || len(ids) != 0 {
		t.Fatalf("ReadTickerFile(missing) = %v, %v", ids, err)
	}

	f := &TickerFile{Path: path}
	ids, err = f.Universe(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Universe: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Universe with no source and no file = %v", ids)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("ticker file not created: %v", err)
	}
}
