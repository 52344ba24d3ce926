// Package gather holds what the dataset pipelines share: the Gatherer
// contract, the collaborator interfaces, the window-end calendar and the
// per-dataset progress files.
package gather

import (
	"context"
	"time"

	"marketfill/internal/coverage"
	"marketfill/internal/dlapi"
	"marketfill/internal/domain"
	"marketfill/internal/store"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one reconcile-request-merge pass and returns.
	Run(ctx context.Context) error
}

// Runner executes vendor jobs. *dlapi.Client satisfies it.
type Runner interface {
	NewRequestName() string
	SubmitAndFetch(ctx context.Context, req *dlapi.JobRequest) (*dlapi.JobResult, error)
}

// UniverseSource lists the identifiers to maintain as of a valuation date.
type UniverseSource interface {
	Universe(ctx context.Context, valuationDate time.Time) ([]domain.Identifier, error)
}

// CoverageSource reports which days are already persisted per identifier.
// *warehouse.Postgres satisfies it.
type CoverageSource interface {
	Coverage(ctx context.Context, since time.Time) (coverage.Coverage, error)
}

// StoreCoverage reads coverage from the local store dataset the pipeline
// appends to.
type StoreCoverage struct {
	Store   store.RowStore
	Dataset string
}

// Coverage implements CoverageSource.
func (s StoreCoverage) Coverage(ctx context.Context, since time.Time) (coverage.Coverage, error) {
	return s.Store.Coverage(ctx, s.Dataset, since)
}

// Without returns ids minus those in skip, keeping order.
func Without(ids []domain.Identifier, skip func(domain.Identifier) bool) []domain.Identifier {
	out := make([]domain.Identifier, 0, len(ids))
	for _, id := range ids {
		if !skip(id) {
			out = append(out, id)
		}
	}
	return out
}

// EmptyIdentifiers returns the requested identifiers with no row in rows.
func EmptyIdentifiers(requested []domain.Identifier, rows []domain.Row) []domain.Identifier {
	got := make(map[domain.Identifier]struct{}, len(requested))
	for _, r := range rows {
		got[r.Identifier] = struct{}{}
	}
	var empty []domain.Identifier
	for _, id := range requested {
		if _, ok := got[id]; !ok {
			empty = append(empty, id)
		}
	}
	return empty
}
