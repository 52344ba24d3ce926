// Package app wires configuration into the collaborators the binaries
// share: logger, local store, vendor client, warehouse and calendar.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"marketfill/internal/config"
	"marketfill/internal/dlapi"
	"marketfill/internal/gather"
	"marketfill/internal/store"
	"marketfill/internal/util"
	"marketfill/internal/warehouse"
)

// Deps holds the opened collaborators. Close releases them.
type Deps struct {
	Config    *config.Config
	Store     store.RowStore
	Runner    gather.Runner
	Warehouse *warehouse.Postgres
	Calendar  gather.CalendarClient
}

// LoadConfig loads and validates the configuration and installs the logger.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

// Open connects everything a pipeline needs. With dryRun the vendor session
// is not created and Runner stays nil.
func Open(ctx context.Context, cfg *config.Config, dryRun bool) (*Deps, error) {
	d := &Deps{
		Config:   cfg,
		Calendar: gather.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL),
	}

	s, err := store.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	d.Store = s

	if cfg.Warehouse.PositionsDSN != "" || cfg.Warehouse.MarketDataDSN != "" {
		w, err := warehouse.Connect(ctx, cfg.Warehouse.PositionsDSN, cfg.Warehouse.MarketDataDSN, cfg.Warehouse.ETRM)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Warehouse = w
	}

	if !dryRun {
		client, err := NewClient(ctx, cfg.Vendor)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Runner = client
	}
	return d, nil
}

// NewClient authenticates, resolves the scheduled catalog and returns a
// client honouring the configured poll timeout and backoff.
func NewClient(ctx context.Context, v config.Vendor) (*dlapi.Client, error) {
	session, err := dlapi.NewSession(ctx, dlapi.SessionConfig{
		Host:         v.Host,
		TokenURL:     v.TokenURL,
		ClientID:     v.ClientID,
		ClientSecret: v.ClientSecret,
		Scopes:       v.Scopes,
		APIVersion:   v.APIVersion,
	})
	if err != nil {
		return nil, err
	}
	deadline := v.PollTimeout
	if deadline <= 0 {
		deadline = dlapi.DefaultPollTimeout
	}
	if session.ExpiresWithin(time.Now(), deadline) {
		slog.Warn("vendor token expires before the poll deadline", "expiry", session.Expiry(), "pollTimeout", deadline)
	}
	catalog, err := session.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("using catalog", "catalog", catalog.ID)
	return dlapi.NewClient(session, catalog,
		dlapi.WithPollTimeout(v.PollTimeout),
		dlapi.WithBackoff(v.Backoff),
	), nil
}

// Universe returns the identifier source of a pipeline: the positions
// warehouse, unioned with the ticker file when one is configured.
func (d *Deps) Universe(p config.PipelineConfig) (gather.UniverseSource, error) {
	var src gather.UniverseSource
	if d.Warehouse != nil && d.Config.Warehouse.PositionsDSN != "" {
		src = d.Warehouse
	}
	if p.TickerFile != "" {
		return &warehouse.TickerFile{Path: p.TickerFile, Source: src}, nil
	}
	if src == nil {
		return nil, fmt.Errorf("dataset %s: no universe source (set warehouse.positions_dsn or ticker_file)", p.Dataset)
	}
	return src, nil
}

// Coverage returns the coverage source selected by p.CoverageSource.
func (d *Deps) Coverage(p config.PipelineConfig) (gather.CoverageSource, error) {
	switch p.CoverageSource {
	case "warehouse":
		if d.Warehouse == nil || d.Config.Warehouse.MarketDataDSN == "" {
			return nil, fmt.Errorf("dataset %s: coverage_source warehouse needs warehouse.market_data_dsn", p.Dataset)
		}
		return d.Warehouse, nil
	default:
		return gather.StoreCoverage{Store: d.Store, Dataset: p.Dataset}, nil
	}
}

// ProgressDir returns the directory holding a dataset's progress files.
func (d *Deps) ProgressDir(dataset string) string {
	return filepath.Join(d.Config.Storage.DataDir, ".progress", dataset)
}

// Close releases the store and warehouse pools.
func (d *Deps) Close() {
	if d.Warehouse != nil {
		d.Warehouse.Close()
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			slog.Warn("closing store", "err", err)
		}
	}
}
