// Command vol-surface snapshots end-of-day implied volatility surfaces for
// the configured ticker universe.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"marketfill/internal/app"
	"marketfill/internal/gather/vol"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $MARKETFILL_CONFIG or config/marketfill.yaml)")
	dryRun := flag.Bool("dry-run", false, "list identifiers needing a snapshot without submitting")
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

	p := cfg.Backfill.Vol
	universe, err := deps.Universe(p)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cov, err := deps.Coverage(p)
	if err != nil {
		log.Fatalf("%v", err)
	}

	g := vol.New(vol.Config{
		Dataset:     p.Dataset,
		Fields:      p.Fields,
		Overrides:   p.Overrides,
		ProgressDir: deps.ProgressDir(p.Dataset),
		EmptyRetry:  p.EmptyRetry,
		DryRun:      *dryRun,
	}, universe, cov, deps.Runner, deps.Store, deps.Calendar)

	slog.Info("starting vol surface snapshot", "dataset", p.Dataset, "tickers", p.TickerFile)
	if err := g.Run(ctx); err != nil {
		deps.Close()
		log.Fatalf("vol surface error: %v", err)
	}
}
