// Package vol snapshots end-of-day implied volatility surfaces. The vendor
// returns each surface as "|"-joined columns; they are exploded into one row
// per point before being appended.
package vol

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"marketfill/internal/coverage"
	"marketfill/internal/dlapi"
	"marketfill/internal/domain"
	"marketfill/internal/gather"
	"marketfill/internal/store"
)

var _ gather.Gatherer = (*Gatherer)(nil)

// Config parameterizes a Gatherer.
type Config struct {
	Dataset     string
	Fields      []string
	Overrides   map[string]string
	ProgressDir string
	EmptyRetry  time.Duration
	DryRun      bool
}

// Gatherer runs the surface snapshot.
type Gatherer struct {
	cfg      Config
	universe gather.UniverseSource
	coverage gather.CoverageSource
	runner   gather.Runner
	store    store.RowStore
	calendar gather.CalendarClient
	now      func() time.Time
	log      *slog.Logger
}

// New returns a Gatherer. calendar may be nil.
func New(cfg Config, universe gather.UniverseSource, cov gather.CoverageSource, runner gather.Runner,
	s store.RowStore, calendar gather.CalendarClient) *Gatherer {
	return &Gatherer{
		cfg:      cfg,
		universe: universe,
		coverage: cov,
		runner:   runner,
		store:    s,
		calendar: calendar,
		now:      time.Now,
		log:      slog.Default().With("gatherer", "vol-surface"),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return "vol-surface" }

// overrides returns the configured overrides in mnemonic order.
func (g *Gatherer) overrides() []dlapi.FieldOverride {
	names := make([]string, 0, len(g.cfg.Overrides))
	for k := range g.cfg.Overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]dlapi.FieldOverride, 0, len(names))
	for _, k := range names {
		out = append(out, dlapi.NewFieldOverride(k, g.cfg.Overrides[k]))
	}
	return out
}

// Run requests the surface of every identifier without a snapshot for the
// window end and appends the exploded points.
func (g *Gatherer) Run(ctx context.Context) error {
	now := g.now()
	end := gather.WindowEnd(g.calendar, now)
	endStr := end.Format(domain.DateFormat)

	tracker, err := gather.NewTracker(g.cfg.ProgressDir, g.cfg.EmptyRetry)
	if err != nil {
		return fmt.Errorf("loading progress: %w", err)
	}
	if tracker.IsCompleted(endStr) {
		g.log.Info("already completed", "endDate", endStr)
		return nil
	}

	all, err := g.universe.Universe(ctx, domain.Day(now).AddDate(0, 0, -1))
	if err != nil {
		return fmt.Errorf("loading universe: %w", err)
	}
	ids := gather.Without(all, tracker.Skipper(end))

	existing, err := g.coverage.Coverage(ctx, end)
	if err != nil {
		return fmt.Errorf("loading coverage: %w", err)
	}
	plan := coverage.ComputeBackfillPlan(ids, existing, domain.NewDateRange(end, end))
	g.log.Info("surface plan", "snapshot", endStr, "universe", len(all),
		"skippedEmpty", len(all)-len(ids), "identifiers", len(plan))
	if plan.Empty() {
		g.log.Info("all surfaces already stored")
		if g.cfg.DryRun {
			return nil
		}
		return tracker.MarkCompleted(endStr)
	}
	if g.cfg.DryRun {
		g.log.Info("dry run, not submitting", "identifiers", plan.Identifiers())
		return nil
	}

	requested := plan.Identifiers()
	req := dlapi.NewJobRequest(dlapi.RequestSpec{
		Type:        dlapi.DataRequestType,
		Name:        g.runner.NewRequestName(),
		Description: "EOD Implied Volatility Surfaces",
		Identifiers: requested,
		Fields:      g.cfg.Fields,
		Overrides:   g.overrides(),
	})

	res, err := g.runner.SubmitAndFetch(ctx, req)
	if err != nil {
		return fmt.Errorf("running %s: %w", req.Name, err)
	}
	if res.State != dlapi.StateCompleted {
		g.log.Warn("no data this run", "request", req.Name, "state", res.State.String(), "err", res.Err)
		return nil
	}
	if res.Table.Len() == 0 {
		g.log.Warn("no vol surface data returned", "request", req.Name)
	}

	rows, dropped := ExplodeSurfaces(res.Table)
	stats, err := store.MergeRows(ctx, g.store, g.cfg.Dataset, rows, req.Name)
	if err != nil {
		return err
	}

	empty := gather.EmptyIdentifiers(requested, rows)
	if err := tracker.MarkEmpty(empty, end); err != nil {
		return err
	}
	if err := tracker.MarkCompleted(endStr); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}

	g.log.Info("surfaces appended",
		"request", req.Name,
		"requested", len(requested),
		"records", res.Table.Len(),
		"points", len(rows),
		"dropped", dropped,
		"appended", stats.Appended,
		"empty", len(empty),
	)
	return nil
}
