package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"backtestd/internal/api"
	"backtestd/internal/app"
	"backtestd/internal/config"
	"backtestd/internal/job"
	"backtestd/internal/util"
)

func main() {
	cfgPath := "config/backtestd.yaml"
	if p := os.Getenv("BACKTESTD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stack, err := app.Open(ctx, cfg, reg, logger)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer stack.Close()

	hostname, _ := os.Hostname()
	pool := job.NewPool(stack.Store, stack.Orchestrator, cfg.Workers.Count, cfg.Workers.PollInterval,
		hostname, logger.With("component", "pool"))

	svc := api.NewService(stack.Orchestrator, stack.Sandbox, logger.With("component", "api"))
	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	srv := api.NewServer(grpcAddr, svc, logger.With("component", "grpc"))

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("backtestd starting",
		"grpc", grpcAddr,
		"metrics", metricsSrv.Addr,
		"workers", cfg.Workers.Count,
		"bar_source", cfg.Storage.BarSource,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("backtestd stopped", "error", err)
		stack.Close()
		os.Exit(1)
	}
	logger.Info("backtestd stopped")
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
