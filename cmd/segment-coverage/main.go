// Command segment-coverage audits the local archive for gaps and renders a
// per-hour coverage viewer (spec.md §4.4): a periodic full recompute plus an
// fsnotify-driven recompute whenever Downloader/Backfiller write a new
// segment. It exposes only /healthz, /metrics, and the static viewer output
// over HTTP; all of its actual work is filesystem-driven.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"wubloader/internal/archive"
	"wubloader/internal/config"
	"wubloader/internal/coverage"
	"wubloader/internal/httpserver"
	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/serverutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "segment-coverage:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadSharedFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel})
	recorder := metrics.Default()

	outputDir := os.Getenv("WUBLOADER_COVERAGE_OUTPUT_DIR")
	if outputDir == "" {
		outputDir = cfg.ArchiveBaseDir + "/coverage"
	}
	schedule, err := config.Duration("WUBLOADER_COVERAGE_SCHEDULE", 0)
	if err != nil {
		return err
	}
	scheduleExpr := "@every 1m"
	if schedule > 0 {
		scheduleExpr = "@every " + schedule.String()
	}

	store := archive.New(cfg.ArchiveBaseDir)
	worker := coverage.New(coverage.Config{
		Archive:   store,
		OutputDir: outputDir,
		Schedule:  scheduleExpr,
		Logger:    logger,
		Recorder:  recorder,
	})

	viewer := http.FileServer(http.Dir(outputDir))
	srv, err := httpserver.New(httpserver.Config{
		Addr:     cfg.ListenAddr,
		Logger:   logger,
		Recorder: recorder,
		Register: func(mux *http.ServeMux) {
			mux.Handle("/coverage/", http.StripPrefix("/coverage/", viewer))
		},
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.RunOnce(ctx); err != nil {
		logger.Error("initial coverage recompute failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.RunSchedule(gctx) })
	g.Go(func() error { return worker.Watch(gctx) })
	g.Go(func() error { return serverutil.Run(gctx, serverutil.Config{Server: srv}) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
