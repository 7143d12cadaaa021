// Command restreamer serves the read side of the archive (spec.md §4.2,
// §6): file listings, raw segment bytes, synthesized HLS playlists, cut
// clips, and still frames/waveforms. It is stateless with respect to
// Postgres — everything it answers is derived from the local archive on
// disk, plus an optional Redis cache for expensive full/webm cuts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"wubloader/internal/archive"
	"wubloader/internal/config"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/httpserver"
	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/restreamerapi"
	"wubloader/internal/serverutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "restreamer:", err)
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

	var cache *cutpipeline.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cache = cutpipeline.NewCache(client, 0)
	}

	handler := restreamerapi.New(restreamerapi.Handler{
		Archive:      archive.New(cfg.ArchiveBaseDir),
		FFmpegBinary: cfg.FFmpegBinary,
		Cache:        cache,
		Logger:       logger,
		Recorder:     recorder,
	})

	srv, err := httpserver.New(httpserver.Config{
		Addr:     cfg.ListenAddr,
		Logger:   logger,
		Recorder: recorder,
		Register: handler.Register,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serverutil.Run(ctx, serverutil.Config{Server: srv})
}
