package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"backtestd/internal/domain"
)

// Config is the top-level configuration for backtestd.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Workers  Workers        `yaml:"workers"`
	Backtest BacktestConfig `yaml:"backtest"`
	Gather   GatherConfig   `yaml:"gather"`
}

// Storage holds paths and connection settings for persistence and price data.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	// BarSource selects the price series store: "parquet", "sqlite" or
	// "postgres".
	BarSource string `yaml:"bar_source"`
	Market    string `yaml:"market"`
	// Adjust selects price adjustment: "none", "forward" or "backward".
	Adjust string `yaml:"adjust"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	// BaseURL is the trading API used for the market calendar.
	BaseURL string `yaml:"base_url"`
	Feed    string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Workers configures the job worker pool.
type Workers struct {
	Count        int                `yaml:"count"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	MaxAttempts  int                `yaml:"max_attempts"`
	RetryOn      []domain.ErrorKind `yaml:"retry_on"`
}

// BacktestConfig holds engine defaults applied to jobs that do not override
// them.
type BacktestConfig struct {
	InitialCash      string           `yaml:"initial_cash"`
	PeriodsPerYear   int              `yaml:"periods_per_year"`
	RiskFreeRate     float64          `yaml:"risk_free_rate"`
	Commission       domain.ModelSpec `yaml:"commission"`
	Slippage         domain.ModelSpec `yaml:"slippage"`
	MaxPositionPct   float64          `yaml:"max_position_pct"`
	MaxDailyLossPct  float64          `yaml:"max_daily_loss_pct"`
	AllowMargin      bool             `yaml:"allow_margin"`
	AllowShort       bool             `yaml:"allow_short"`
	FractionalShares bool             `yaml:"fractional_shares"`
	DryRunBars       int              `yaml:"dry_run_bars"`
	MaxExprNodes     uint             `yaml:"max_expr_nodes"`
	LoadConcurrency  int              `yaml:"load_concurrency"`
}

// GatherConfig controls price data ingestion.
type GatherConfig struct {
	USDaily GatherJobConfig `yaml:"us_daily"`
}

// GatherJobConfig holds parameters for a single data gathering job.
type GatherJobConfig struct {
	Symbols         []string `yaml:"symbols"`
	SymbolsFile     string   `yaml:"symbols_file"`
	StartDate       string   `yaml:"start_date"`
	BatchSize       int      `yaml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// Default returns a configuration with every field set to a usable value.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/backtestd.db",
			BarSource:  "parquet",
			Market:     "us",
			Adjust:     "none",
		},
		Server:  Server{Host: "0.0.0.0", GRPCPort: 9090, MetricsPort: 9100},
		Alpaca:  Alpaca{BaseURL: "https://api.alpaca.markets", Feed: "sip"},
		Logging: Logging{Level: "info", Format: "json"},
		Workers: Workers{Count: 4, PollInterval: time.Second, MaxAttempts: 1},
		Backtest: BacktestConfig{
			InitialCash:    "100000",
			PeriodsPerYear: 252,
			Commission: domain.ModelSpec{
				Name:   "fixed_plus_percent",
				Params: map[string]string{"fixed": "1", "rate": "0.0005"},
			},
			Slippage:        domain.ModelSpec{Name: "none"},
			DryRunBars:      60,
			MaxExprNodes:    2000,
			LoadConcurrency: 8,
		},
		Gather: GatherConfig{
			USDaily: GatherJobConfig{StartDate: "2016-01-01", BatchSize: 500, MaxWorkers: 4, RateLimitPerMin: 200},
		},
	}
}

// Load reads the YAML configuration file at the given path on top of
// Default(), and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault loads path when it exists and otherwise returns Default()
// with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	// Later entries win, so the SDK's APCA_* names take precedence.
	overrides := []struct {
		env string
		dst *string
	}{
		{"DATA_DIR", &cfg.Storage.DataDir},
		{"SQLITE_PATH", &cfg.Storage.SQLitePath},
		{"POSTGRES_URL", &cfg.Storage.PostgresURL},
		{"BAR_SOURCE", &cfg.Storage.BarSource},
		{"ALPACA_API_KEY", &cfg.Alpaca.APIKey},
		{"ALPACA_API_SECRET", &cfg.Alpaca.APISecret},
		{"ALPACA_DATA_URL", &cfg.Alpaca.DataURL},
		{"ALPACA_BASE_URL", &cfg.Alpaca.BaseURL},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"APCA_API_KEY_ID", &cfg.Alpaca.APIKey},
		{"APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Storage.PostgresURL == "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
}
