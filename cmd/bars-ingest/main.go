// Fetches daily bars from Alpaca into the configured bar store.
//
// Usage:
//
//	go run ./cmd/bars-ingest [-symbols SPY,QQQ] [-symbols-file list.csv] [-start 2016-01-01] [-end 2024-12-31]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"backtestd/internal/app"
	"backtestd/internal/config"
	"backtestd/internal/gather"
	"backtestd/internal/gather/us"
	"backtestd/internal/store"
	"backtestd/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (overrides gather.us_daily.symbols)")
	symbolsFile := flag.String("symbols-file", "", "CSV with a symbol column (overrides gather.us_daily.symbols_file)")
	startFlag := flag.String("start", "", "first date (default gather.us_daily.start_date)")
	endFlag := flag.String("end", "", "last date (default latest finished trading day)")
	flag.Parse()

	cfgPath := "config/backtestd.yaml"
	if p := os.Getenv("BACKTESTD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/bars-ingest-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile),
		&slog.HandlerOptions{Level: util.ParseLevel(cfg.Logging.Level)}))
	util.SetDefault(logger)

	gc := cfg.Gather.USDaily
	symbols := gc.Symbols
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}
	file := gc.SymbolsFile
	if *symbolsFile != "" {
		file = *symbolsFile
	}
	if file != "" && *symbolsFlag == "" {
		fromFile, err := us.LoadCSVSymbols(file)
		if err != nil {
			log.Fatalf("failed to load symbols: %v", err)
		}
		symbols = append(symbols, fromFile...)
	}

	var dr gather.DateRange
	start := gc.StartDate
	if *startFlag != "" {
		start = *startFlag
	}
	if dr.Start, err = time.Parse("2006-01-02", start); err != nil {
		log.Fatalf("invalid start date %q: %v", start, err)
	}
	if *endFlag != "" {
		if dr.End, err = time.Parse("2006-01-02", *endFlag); err != nil {
			log.Fatalf("invalid end date %q: %v", *endFlag, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sqlite *store.SQLiteStore
	if cfg.Storage.BarSource == "sqlite" {
		if sqlite, err = app.OpenSQLite(cfg.Storage.SQLitePath); err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		defer sqlite.Close()
	}
	bars, closeBars, err := app.OpenBarStore(ctx, cfg, sqlite)
	if err != nil {
		log.Fatalf("failed to open bar store: %v", err)
	}
	defer closeBars()

	g := us.NewDailyBarGatherer(
		us.NewBarFetcher(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL),
		bars,
		us.DailyBarOptions{
			Market:          cfg.Storage.Market,
			Symbols:         symbols,
			Range:           dr,
			Calendar:        us.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL),
			Feed:            cfg.Alpaca.Feed,
			BatchSize:       gc.BatchSize,
			MaxWorkers:      gc.MaxWorkers,
			RateLimitPerMin: gc.RateLimitPerMin,
			ProgressDir:     filepath.Join(cfg.Storage.DataDir, cfg.Storage.Market, "ingest", cfg.Storage.BarSource),
			Logger:          logger,
		},
	)

	slog.Info("starting bars-ingest", "logFile", logFileName, "symbols", len(symbols), "barSource", cfg.Storage.BarSource)
	if err := g.Run(ctx); err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}
