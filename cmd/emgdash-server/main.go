package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghostlyemg/emgdash/pkg/api"
	"github.com/ghostlyemg/emgdash/pkg/app"
	"github.com/ghostlyemg/emgdash/pkg/config"
	"github.com/ghostlyemg/emgdash/pkg/logging"
	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/emgdash/config.yaml", "Path to config file")
	addr := flag.String("addr", "", "Override server.addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if _, err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// ── Metrics + Health Server ──────────────────────────────────
	a.RegisterHealthChecks()

	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	defer close(metricsStop)

	srv := api.NewServer(api.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxDownloadSize: cfg.Server.MaxDownloadSize,
	}, a.Service)

	slog.Info("starting emgdash", "addr", cfg.Server.Addr, "buckets", len(cfg.Buckets), "notes", cfg.Notes.Backend)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	slog.Info("emgdash stopped cleanly")
}
