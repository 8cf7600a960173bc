package config

import (
	"os"
	"testing"
	"time"

	"backtestd/internal/domain"
)

func TestLoadFile(t *testing.T) {
	// Create a temporary YAML config file.
	yamlContent := []byte(`
storage:
  data_dir: "/tmp/backtestd/data"
  sqlite_path: "/tmp/backtestd/backtestd.db"
  bar_source: "sqlite"
  adjust: "forward"
server:
  host: "127.0.0.1"
  grpc_port: 7070
  metrics_port: 7071
logging:
  level: "debug"
  format: "text"
workers:
  count: 8
  poll_interval: 250ms
  max_attempts: 3
  retry_on: ["data"]
backtest:
  initial_cash: "50000"
  risk_free_rate: 0.02
  commission:
    name: "per_share"
    params:
      rate: "0.005"
  slippage:
    name: "bps"
    params:
      bps: "5"
  allow_margin: true
  dry_run_bars: 30
gather:
  us_daily:
    symbols: ["SPY", "QQQ"]
    start_date: "2020-01-01"
    batch_size: 100
    rate_limit_per_min: 60
`)

	tmpFile, err := os.CreateTemp("", "backtestd-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(yamlContent); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}

	// Clear any environment overrides that might interfere.
	for _, k := range []string{"DATA_DIR", "SQLITE_PATH", "BAR_SOURCE", "LOG_LEVEL", "WORKERS"} {
		os.Unsetenv(k)
	}

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/backtestd/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/backtestd/data")
	}
	if cfg.Storage.BarSource != "sqlite" {
		t.Errorf("Storage.BarSource = %q, want %q", cfg.Storage.BarSource, "sqlite")
	}
	if cfg.Storage.Adjust != "forward" {
		t.Errorf("Storage.Adjust = %q, want %q", cfg.Storage.Adjust, "forward")
	}
	// Not set in the file, so the default survives.
	if cfg.Storage.Market != "us" {
		t.Errorf("Storage.Market = %q, want default %q", cfg.Storage.Market, "us")
	}

	// -- Server --
	if cfg.Server.GRPCPort != 7070 || cfg.Server.MetricsPort != 7071 {
		t.Errorf("Server ports = %d/%d, want 7070/7071", cfg.Server.GRPCPort, cfg.Server.MetricsPort)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Workers --
	if cfg.Workers.Count != 8 {
		t.Errorf("Workers.Count = %d, want 8", cfg.Workers.Count)
	}
	if cfg.Workers.PollInterval != 250*time.Millisecond {
		t.Errorf("Workers.PollInterval = %v, want 250ms", cfg.Workers.PollInterval)
	}
	if len(cfg.Workers.RetryOn) != 1 || cfg.Workers.RetryOn[0] != domain.KindData {
		t.Errorf("Workers.RetryOn = %v, want [data]", cfg.Workers.RetryOn)
	}

	// -- Backtest --
	if cfg.Backtest.InitialCash != "50000" {
		t.Errorf("Backtest.InitialCash = %q, want %q", cfg.Backtest.InitialCash, "50000")
	}
	if cfg.Backtest.Commission.Name != "per_share" || cfg.Backtest.Commission.Params["rate"] != "0.005" {
		t.Errorf("Backtest.Commission = %+v", cfg.Backtest.Commission)
	}
	if cfg.Backtest.Slippage.Name != "bps" || cfg.Backtest.Slippage.Params["bps"] != "5" {
		t.Errorf("Backtest.Slippage = %+v", cfg.Backtest.Slippage)
	}
	if !cfg.Backtest.AllowMargin {
		t.Error("Backtest.AllowMargin = false, want true")
	}
	if cfg.Backtest.PeriodsPerYear != 252 {
		t.Errorf("Backtest.PeriodsPerYear = %v, want default 252", cfg.Backtest.PeriodsPerYear)
	}

	// -- Gather --
	if cfg.Gather.USDaily.BatchSize != 100 {
		t.Errorf("Gather.USDaily.BatchSize = %d, want %d", cfg.Gather.USDaily.BatchSize, 100)
	}
	if len(cfg.Gather.USDaily.Symbols) != 2 || cfg.Gather.USDaily.Symbols[0] != "SPY" {
		t.Errorf("Gather.USDaily.Symbols = %v, want [SPY QQQ]", cfg.Gather.USDaily.Symbols)
	}
	if cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca.Feed = %q, want default sip", cfg.Alpaca.Feed)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yamlContent := []byte(`
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	tmpFile, err := os.CreateTemp("", "backtestd-config-env-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(yamlContent); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	tmpFile.Close()

	// Set environment overrides.
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("WORKERS", "12")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Workers.Count != 12 {
		t.Errorf("Workers.Count = %d, want 12 (env override)", cfg.Workers.Count)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	os.Unsetenv("DATA_DIR")
	os.Unsetenv("WORKERS")
	cfg, err := LoadOrDefault("/nonexistent/backtestd.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("Workers.Count = %d, want default 4", cfg.Workers.Count)
	}
	if cfg.Backtest.Commission.Name != "fixed_plus_percent" {
		t.Errorf("Backtest.Commission.Name = %q, want fixed_plus_percent", cfg.Backtest.Commission.Name)
	}
}

func TestSDKEnvNamesTakePrecedence(t *testing.T) {
	t.Setenv("ALPACA_API_KEY", "plain-key")
	t.Setenv("APCA_API_KEY_ID", "sdk-key")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("POSTGRES_URL", "")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Alpaca.APIKey != "sdk-key" {
		t.Errorf("Alpaca.APIKey = %q, want sdk-key", cfg.Alpaca.APIKey)
	}
	if cfg.Storage.PostgresURL != "postgres://fallback" {
		t.Errorf("Storage.PostgresURL = %q, want DATABASE_URL fallback", cfg.Storage.PostgresURL)
	}
}
