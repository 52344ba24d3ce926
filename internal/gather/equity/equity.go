// Package equity backfills end-of-day equity history. Each run reconciles
// the stored coverage against [start, window end], requests the gaps in one
// HistoryRequest and appends the rows that are not stored yet.
package equity

import (
	"context"
	"fmt"
	"log/slog"
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
	Start       time.Time
	Fields      []string
	ProgressDir string
	EmptyRetry  time.Duration // zero selects gather.DefaultEmptyRetry
	DryRun      bool
}

// Gatherer runs the equity history backfill.
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
		log:      slog.Default().With("gatherer", "equity-backfill"),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return "equity-backfill" }

// Run performs one backfill pass. Vendor timeouts and failed jobs end the
// run without error; the next run asks for the same gaps again.
func (g *Gatherer) Run(ctx context.Context) error {
	now := g.now()
	end := gather.WindowEnd(g.calendar, now)
	window := domain.NewDateRange(g.cfg.Start, end)
	endStr := end.Format(domain.DateFormat)
	if !window.Valid() {
		g.log.Warn("empty window", "start", g.cfg.Start.Format(domain.DateFormat), "end", endStr)
		return nil
	}

	tracker, err := gather.NewTracker(g.cfg.ProgressDir, g.cfg.EmptyRetry)
	if err != nil {
		return fmt.Errorf("loading progress: %w", err)
	}
	if tracker.IsCompleted(endStr) {
		g.log.Info("already completed", "endDate", endStr)
		return nil
	}

	// 1. Universe and coverage.
	all, err := g.universe.Universe(ctx, domain.Day(now).AddDate(0, 0, -1))
	if err != nil {
		return fmt.Errorf("loading universe: %w", err)
	}
	ids := gather.Without(all, tracker.Skipper(end))

	existing, err := g.coverage.Coverage(ctx, g.cfg.Start)
	if err != nil {
		return fmt.Errorf("loading coverage: %w", err)
	}

	// 2. Plan.
	plan := coverage.ComputeBackfillPlan(ids, existing, window)
	g.log.Info("backfill plan",
		"window", window.String(),
		"universe", len(all),
		"skippedEmpty", len(all)-len(ids),
		"identifiers", len(plan),
		"missingDays", plan.MissingDays(),
	)
	if plan.Empty() {
		g.log.Info("all identifiers have complete date coverage")
		if g.cfg.DryRun {
			return nil
		}
		return tracker.MarkCompleted(endStr)
	}

	span, _ := plan.Span()
	if g.cfg.DryRun {
		for _, id := range plan.Identifiers() {
			g.log.Info("would request", "identifier", id, "ranges", len(plan[id]), "first", plan[id][0].String())
		}
		g.log.Info("dry run, not submitting", "span", span.String())
		return nil
	}

	// 3. Request the span for every identifier with a gap.
	requested := plan.Identifiers()
	req := dlapi.NewJobRequest(dlapi.RequestSpec{
		Type:        dlapi.HistoryRequestType,
		Name:        g.runner.NewRequestName(),
		Description: fmt.Sprintf("Backfill for %d identifiers with missing dates", len(requested)),
		Identifiers: requested,
		Fields:      g.cfg.Fields,
		Range:       span,
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
		g.log.Warn("no data returned", "request", req.Name)
	}

	// 4. Keep only rows inside the gaps and merge.
	rows, dropped, err := res.Table.Rows(dlapi.IdentifierColumn, dlapi.DateColumn)
	if err != nil {
		return fmt.Errorf("reading %s output: %w", req.Name, err)
	}
	fetched := len(rows)
	rows = plan.FilterRows(rows)

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

	g.log.Info("backfill complete",
		"request", req.Name,
		"requested", len(requested),
		"fetched", fetched,
		"droppedNull", dropped,
		"outsideGaps", fetched-len(rows),
		"appended", stats.Appended,
		"empty", len(empty),
	)
	return nil
}
