// Command equity-backfill fills gaps in the daily equity history of every
// identifier currently held in positions.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"marketfill/internal/app"
	"marketfill/internal/gather/equity"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $MARKETFILL_CONFIG or config/marketfill.yaml)")
	dryRun := flag.Bool("dry-run", false, "compute the backfill plan without submitting a request")
	flag.Parse()

	cfg, err := app.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, *dryRun)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer deps.Close()

	p := cfg.Backfill.Equity
	start, err := p.Start()
	if err != nil {
		log.Fatalf("%v", err)
	}
	universe, err := deps.Universe(p)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cov, err := deps.Coverage(p)
	if err != nil {
		log.Fatalf("%v", err)
	}

	g := equity.New(equity.Config{
		Dataset:     p.Dataset,
		Start:       start,
		Fields:      p.Fields,
		ProgressDir: deps.ProgressDir(p.Dataset),
		EmptyRetry:  p.EmptyRetry,
		DryRun:      *dryRun,
	}, universe, cov, deps.Runner, deps.Store, deps.Calendar)

	slog.Info("starting equity backfill", "dataset", p.Dataset, "start", p.StartDate, "backend", cfg.Storage.Backend)
	if err := g.Run(ctx); err != nil {
		deps.Close()
		log.Fatalf("equity backfill error: %v", err)
	}
}
