package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"factorlab/internal/domain"
	"factorlab/internal/strategy"
	"factorlab/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for factorlab.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Data      DataConfig      `yaml:"data"`
	Universe  UniverseConfig  `yaml:"universe"`
	Prefilter PrefilterConfig `yaml:"prefilter"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DataConfig controls the time-bounded data access layer.
type DataConfig struct {
	// HistoryStart is the first date fetched for every instrument
	// (YYYY-MM-DD). It must leave enough warm-up before the first
	// rebalance date for the 12-month factors.
	HistoryStart    string        `yaml:"history_start"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	RateBurst       int           `yaml:"rate_burst"`
	WarmWorkers     int           `yaml:"warm_workers"`
	FundamentalsDir string        `yaml:"fundamentals_dir"`
	// Lookback is the number of daily bars fed to the price factors. Zero
	// or anything shorter than a year plus one bar uses that minimum.
	Lookback int `yaml:"lookback"`
	// Offline disables remote fetches; only the Parquet store is read.
	Offline bool `yaml:"offline"`
}

// UniverseConfig locates the universe and exclusion lists.
type UniverseConfig struct {
	Path         string `yaml:"path"`
	ExcludePath  string `yaml:"exclude_path"`
	FallbackSize int    `yaml:"fallback_size"`
}

// PrefilterConfig holds the cheap screening thresholds.
type PrefilterConfig struct {
	MinReturn6M float64 `yaml:"min_return_6m"`
	MAPeriod    int     `yaml:"ma_period"`
}

// ScoringConfig holds the thematic layer weights and the layers left out
// of the total.
type ScoringConfig struct {
	SectorWeights map[string]float64 `yaml:"sector_weights"`
	TagWeights    map[string]float64 `yaml:"tag_weights"`
	DisableLayers []string           `yaml:"disable_layers"`
}

// BacktestConfig defines the simulated window and the default rule set.
type BacktestConfig struct {
	Start       string             `yaml:"start"`
	End         string             `yaml:"end"`
	Frequency   string             `yaml:"frequency"`
	Interval    int                `yaml:"interval"`
	SlippageBps float64            `yaml:"slippage_bps"`
	Strategy    strategy.RunConfig `yaml:"strategy"`
}

// SweepConfig controls the parameter sweep runner.
type SweepConfig struct {
	GridPath      string  `yaml:"grid_path"`
	Workers       int     `yaml:"workers"`
	MinReturn     float64 `yaml:"min_return"`
	ProgressEvery int     `yaml:"progress_every"`
	TopN          int     `yaml:"top_n"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default with the
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		return cfg, applyEnvOverrides(cfg)
	}
	return cfg, err
}

// Default returns a configuration with every default applied, used when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// RateLimiter builds the limiter shared by every Alpaca data request.
func (d DataConfig) RateLimiter() *util.RateLimiter {
	return util.NewRateLimiter(d.RateLimitPerMin, d.RateBurst)
}

// HistoryStart parses Data.HistoryStart.
func (c *Config) HistoryStart() (time.Time, error) {
	return ParseDate(c.Data.HistoryStart)
}

// ParseDate parses a YYYY-MM-DD date, reporting ErrConfiguration on failure.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, domain.ErrConfiguration)
	}
	return t, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/factorlab.db"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "sip"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	d := &cfg.Data
	if d.HistoryStart == "" {
		d.HistoryStart = "2018-01-01"
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = 24 * time.Hour
	}
	if d.RetryAttempts == 0 {
		d.RetryAttempts = 3
	}
	if d.RetryBaseDelay == 0 {
		d.RetryBaseDelay = 500 * time.Millisecond
	}
	if d.RateLimitPerMin == 0 {
		d.RateLimitPerMin = 200
	}
	if d.RateBurst == 0 {
		d.RateBurst = 5
	}
	if d.WarmWorkers == 0 {
		d.WarmWorkers = 8
	}
	if d.FundamentalsDir == "" {
		d.FundamentalsDir = cfg.Storage.DataDir + "/fundamentals"
	}

	if cfg.Universe.Path == "" {
		cfg.Universe.Path = "universe.txt"
	}
	if cfg.Universe.FallbackSize == 0 {
		cfg.Universe.FallbackSize = 20
	}

	if cfg.Prefilter.MAPeriod == 0 {
		cfg.Prefilter.MAPeriod = 50
	}

	if cfg.Backtest.Frequency == "" {
		cfg.Backtest.Frequency = "weekly"
	}
	if cfg.Backtest.Interval == 0 {
		cfg.Backtest.Interval = 1
	}
	cfg.Backtest.Strategy.ApplyDefaults()

	if cfg.Sweep.Workers == 0 {
		cfg.Sweep.Workers = 4
	}
	if cfg.Sweep.ProgressEvery == 0 {
		cfg.Sweep.ProgressEvery = 10
	}
	if cfg.Sweep.TopN == 0 {
		cfg.Sweep.TopN = 10
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("FACTORLAB_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FACTORLAB_CACHE_TTL=%q: %w", v, domain.ErrConfiguration)
		}
		cfg.Data.CacheTTL = ttl
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
