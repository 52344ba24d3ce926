package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marketfill binaries.
type Config struct {
	Storage   Storage        `yaml:"storage"`
	Vendor    Vendor         `yaml:"vendor"`
	Warehouse Warehouse      `yaml:"warehouse"`
	Alpaca    Alpaca         `yaml:"alpaca"`
	Logging   Logging        `yaml:"logging"`
	Backfill  BackfillConfig `yaml:"backfill"`
}

// Storage holds paths for data persistence. Backend is "sqlite" or "parquet".
type Storage struct {
	Backend    string `yaml:"backend"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Vendor holds credentials and endpoints for the bulk-download API.
type Vendor struct {
	Host         string          `yaml:"host"`
	TokenURL     string          `yaml:"token_url"`
	ClientID     string          `yaml:"client_id"`
	ClientSecret string          `yaml:"client_secret"`
	Scopes       []string        `yaml:"scopes"`
	APIVersion   string          `yaml:"api_version"`
	PollTimeout  time.Duration   `yaml:"poll_timeout"`
	Backoff      []time.Duration `yaml:"backoff"`
}

// Warehouse holds the read-only Postgres connections. An empty DSN disables
// the corresponding source.
type Warehouse struct {
	PositionsDSN  string `yaml:"positions_dsn"`
	MarketDataDSN string `yaml:"market_data_dsn"`
	ETRM          string `yaml:"etrm"`
}

// Alpaca holds credentials for the trading calendar.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackfillConfig holds the per-pipeline parameters.
type BackfillConfig struct {
	Equity PipelineConfig `yaml:"equity"`
	Vol    PipelineConfig `yaml:"vol"`
}

// PipelineConfig parameterizes one dataset pipeline.
type PipelineConfig struct {
	Dataset    string            `yaml:"dataset"`
	StartDate  string            `yaml:"start_date"`
	Fields     []string          `yaml:"fields"`
	Overrides  map[string]string `yaml:"overrides"`
	TickerFile string            `yaml:"ticker_file"`
	EmptyRetry time.Duration     `yaml:"empty_retry"` // zero: seven days
	// CoverageSource is "warehouse" or "store".
	CoverageSource string `yaml:"coverage_source"`
}

// Start parses StartDate.
func (p PipelineConfig) Start() (time.Time, error) {
	t, err := time.Parse("2006-01-02", p.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing start_date %q: %w", p.StartDate, err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// DefaultPath is used when neither -config nor MARKETFILL_CONFIG is given.
const DefaultPath = "config/marketfill.yaml"

// DefaultEquityFields is the history field list of the equity pipeline.
var DefaultEquityFields = []string{"PX_LAST", "PX_SETTLE", "PX_VOLUME", "SECURITY_TYP", "IDENTIFIER"}

// DefaultVolFields is the reference field list of the vol-surface pipeline.
var DefaultVolFields = []string{
	"IVOL_SURFACE_AXIS_TYPE",
	"EOD_IMPLIED_VOLATILITY_SURFACE",
	"PX_LAST_EOD",
	"NAME",
	"SECURITY_TYP",
	"TICKER",
	"LAST_UPDATE_DATE_EOD",
	"PARSEKYABLE_DES",
}

// DefaultVolOverrides are applied to every identifier of a vol request.
var DefaultVolOverrides = map[string]string{
	"IVOL_SURFACE_AXIS_TYPE": "Mixed/Pct",
	"TIME_ZONE_OVERRIDE":     "22",
}

// ResolvePath returns flagPath, else $MARKETFILL_CONFIG, else DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if v := os.Getenv("MARKETFILL_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/marketfill.sqlite"
	}
	if len(cfg.Vendor.Scopes) == 0 {
		cfg.Vendor.Scopes = []string{"dlrest"}
	}
	if cfg.Warehouse.ETRM == "" {
		cfg.Warehouse.ETRM = "enfusion"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	eq := &cfg.Backfill.Equity
	if eq.Dataset == "" {
		eq.Dataset = "bloomberg_equity_history"
	}
	if eq.StartDate == "" {
		eq.StartDate = "2022-06-18"
	}
	if len(eq.Fields) == 0 {
		eq.Fields = append([]string(nil), DefaultEquityFields...)
	}
	if eq.CoverageSource == "" {
		eq.CoverageSource = "warehouse"
	}

	vol := &cfg.Backfill.Vol
	if vol.Dataset == "" {
		vol.Dataset = "vol_curves"
	}
	if len(vol.Fields) == 0 {
		vol.Fields = append([]string(nil), DefaultVolFields...)
	}
	if len(vol.Overrides) == 0 {
		vol.Overrides = make(map[string]string, len(DefaultVolOverrides))
		for k, v := range DefaultVolOverrides {
			vol.Overrides[k] = v
		}
	}
	if vol.TickerFile == "" {
		vol.TickerFile = "all_tickers.csv"
	}
	if vol.CoverageSource == "" {
		vol.CoverageSource = "store"
	}
}

// Validate reports configuration the binaries cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "parquet":
	default:
		return fmt.Errorf("storage.backend %q: want sqlite or parquet", c.Storage.Backend)
	}
	for name, p := range map[string]PipelineConfig{"equity": c.Backfill.Equity, "vol": c.Backfill.Vol} {
		switch p.CoverageSource {
		case "warehouse", "store":
		default:
			return fmt.Errorf("backfill.%s.coverage_source %q: want warehouse or store", name, p.CoverageSource)
		}
	}
	if _, err := c.Backfill.Equity.Start(); err != nil {
		return fmt.Errorf("backfill.equity: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DL_CLIENT_ID"); v != "" {
		cfg.Vendor.ClientID = v
	}
	if v := os.Getenv("DL_CLIENT_SECRET"); v != "" {
		cfg.Vendor.ClientSecret = v
	}
	if v := os.Getenv("DL_HOST"); v != "" {
		cfg.Vendor.Host = v
	}
	if v := os.Getenv("DL_SCOPES"); v != "" {
		cfg.Vendor.Scopes = strings.Split(v, ",")
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("POSITIONS_DSN"); v != "" {
		cfg.Warehouse.PositionsDSN = v
	}
	if v := os.Getenv("MARKET_DATA_DSN"); v != "" {
		cfg.Warehouse.MarketDataDSN = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
