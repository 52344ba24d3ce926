// Package warehouse reads the security universe and the existing market-data
// coverage from the relational warehouse. It never writes.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketfill/internal/coverage"
	"marketfill/internal/domain"
	"marketfill/internal/util"
)

// Querier is the subset of *pgxpool.Pool the warehouse uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const universeQuery = `
SELECT DISTINCT bloomberg_ticker
FROM position.aggregated_valuations
WHERE valuation_date = $1
  AND etrm = $2
  AND bloomberg_ticker IS NOT NULL`

const coverageQuery = `
SELECT DISTINCT identifier, date
FROM raw.bbg_values
WHERE date >= $1`

// Postgres reads positions and market data from two databases.
type Postgres struct {
	positions Querier
	market    Querier
	etrm      string
	pools     []*pgxpool.Pool
	log       *slog.Logger
}

// New returns a warehouse over existing connections. Either querier may be
// nil, which makes the corresponding method fail.
func New(positions, market Querier, etrm string) *Postgres {
	return &Postgres{
		positions: positions,
		market:    market,
		etrm:      etrm,
		log:       slog.Default().With("component", "warehouse"),
	}
}

// Connect opens a pool per non-empty DSN and pings it, retrying transient
// failures.
func Connect(ctx context.Context, positionsDSN, marketDataDSN, etrm string) (*Postgres, error) {
	w := New(nil, nil, etrm)
	for _, c := range []struct {
		name string
		dsn  string
		dst  *Querier
	}{
		{"positions", positionsDSN, &w.positions},
		{"market data", marketDataDSN, &w.market},
	} {
		if c.dsn == "" {
			continue
		}
		pool, err := openPool(ctx, c.name, c.dsn)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.pools = append(w.pools, pool)
		*c.dst = pool
	}
	return w, nil
}

func openPool(ctx context.Context, name, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing %s dsn: %w", name, err)
	}
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s pool: %w", name, err)
	}
	err = util.Retry(ctx, "ping "+name, 3, time.Second, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to %s warehouse: %w", name, err)
	}
	return pool, nil
}

// Close releases the pools opened by Connect.
func (w *Postgres) Close() {
	for _, p := range w.pools {
		p.Close()
	}
	w.pools = nil
}

// Universe returns the normalized, distinct tickers held at valuationDate.
func (w *Postgres) Universe(ctx context.Context, valuationDate time.Time) ([]domain.Identifier, error) {
	if w.positions == nil {
		return nil, fmt.Errorf("positions warehouse not configured")
	}
	rows, err := w.positions.Query(ctx, universeQuery, domain.Day(valuationDate), w.etrm)
	if err != nil {
		return nil, fmt.Errorf("querying universe: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading universe: %w", err)
	}

	ids := domain.NewIdentifiers(raw)
	w.log.Info("loaded universe", "valuation_date", valuationDate.Format(domain.DateFormat),
		"etrm", w.etrm, "identifiers", len(ids))
	return ids, nil
}

// Coverage returns every stored day per identifier on or after since.
// Identifiers differing only in case share one entry.
func (w *Postgres) Coverage(ctx context.Context, since time.Time) (coverage.Coverage, error) {
	if w.market == nil {
		return nil, fmt.Errorf("market data warehouse not configured")
	}
	rows, err := w.market.Query(ctx, coverageQuery, domain.Day(since))
	if err != nil {
		return nil, fmt.Errorf("querying coverage: %w", err)
	}
	defer rows.Close()

	cov := make(coverage.Coverage)
	n := 0
	for rows.Next() {
		var id string
		var d time.Time
		if err := rows.Scan(&id, &d); err != nil {
			return nil, fmt.Errorf("scanning coverage: %w", err)
		}
		cov.Add(id, d)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading coverage: %w", err)
	}

	w.log.Info("loaded coverage", "since", since.Format(domain.DateFormat),
		"identifiers", len(cov), "keys", n)
	return cov, nil
}
