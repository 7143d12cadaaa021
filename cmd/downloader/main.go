// Command downloader tails one or more channel/quality upstream playlists
// and captures every new segment into the local archive (spec.md §4.1). It
// never touches Postgres; its only effect is on disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wubloader/internal/archive"
	"wubloader/internal/config"
	"wubloader/internal/downloader"
	"wubloader/internal/httpserver"
	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/serverutil"
)

type target struct {
	channel string
	quality string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "downloader:", err)
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

	masterURLTemplate := strings.TrimSpace(os.Getenv("WUBLOADER_MASTER_PLAYLIST_URL"))
	if masterURLTemplate == "" {
		return fmt.Errorf("WUBLOADER_MASTER_PLAYLIST_URL is required, e.g. https://upstream.example/{channel}/master.m3u8")
	}

	targets, err := parseTargets(config.StringList("WUBLOADER_TARGETS", nil))
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("WUBLOADER_TARGETS is required, e.g. desertbus:source,desertbus:480p")
	}

	pollInterval, err := config.Duration("WUBLOADER_DOWNLOADER_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return err
	}
	concurrency, err := config.Int("WUBLOADER_DOWNLOADER_CONCURRENCY", 4)
	if err != nil {
		return err
	}

	store := archive.New(cfg.ArchiveBaseDir)
	source := downloader.NewHTTPSource(masterURLTemplate, nil)
	worker := downloader.New(downloader.Config{
		Archive:     store,
		Source:      source,
		Logger:      logger,
		Recorder:    recorder,
		Concurrency: int64(concurrency),
		FFprobePath: cfg.FFprobeBinary,
	})

	srv, err := httpserver.New(httpserver.Config{
		Addr:     cfg.ListenAddr,
		Logger:   logger,
		Recorder: recorder,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error { return pollTarget(gctx, worker, t, pollInterval, logger) })
	}
	g.Go(func() error { return serverutil.Run(gctx, serverutil.Config{Server: srv}) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// pollTarget runs worker.RunOnce for one (channel, quality) target on a
// fixed interval until ctx is cancelled. It uses a plain time.Ticker loop
// rather than the robfig/cron schedule internal/coverage uses, since the
// downloader has no natural schedule-expression configuration surface.
func pollTarget(ctx context.Context, worker *downloader.Worker, t target, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := worker.RunOnce(ctx, t.channel, t.quality); err != nil && ctx.Err() == nil {
			logger.Error("downloader poll failed", "channel", t.channel, "quality", t.quality, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func parseTargets(raw []string) ([]target, error) {
	targets := make([]target, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid target %q, expected channel:quality", entry)
		}
		targets = append(targets, target{channel: parts[0], quality: parts[1]})
	}
	return targets, nil
}
