// Command backfiller diffs this node's archive against every known peer's
// for a configured set of (channel, quality) targets and fetches whatever
// is missing (spec.md §4.3). The peer set is refreshed periodically from
// the shared `nodes` table; each (peer, channel, quality) triple gets its
// own backfill.Worker so one flaky peer's backoff never blocks another.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"wubloader/internal/archive"
	"wubloader/internal/backfill"
	"wubloader/internal/config"
	"wubloader/internal/httpserver"
	"wubloader/internal/models"
	"wubloader/internal/nodes"
	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/serverutil"
	"wubloader/internal/storage"
)

type target struct {
	channel string
	quality string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "backfiller:", err)
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

	targets, err := parseTargets(config.StringList("WUBLOADER_TARGETS", nil))
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("WUBLOADER_TARGETS is required, e.g. desertbus:source,desertbus:480p")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeRepo, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	var staticPeers []models.NodeRow
	if raw := strings.TrimSpace(os.Getenv("WUBLOADER_STATIC_PEERS")); raw != "" {
		staticPeers, err = parseStaticPeers(raw)
		if err != nil {
			return err
		}
	}

	registry := nodes.New(nodes.Config{
		Nodes:  nodeRepo,
		Logger: logger,
		Static: staticPeers,
	})

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	backoff := backfill.NewRedisBackoff(client, 0, 0)
	lister := backfill.NewHTTPLister(&http.Client{Timeout: 30 * time.Second})

	pollInterval, err := config.Duration("WUBLOADER_BACKFILL_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return err
	}
	maxHoursAgo, err := config.Duration("WUBLOADER_BACKFILL_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return err
	}

	store := archive.New(cfg.ArchiveBaseDir)

	srv, err := httpserver.New(httpserver.Config{
		Addr:     cfg.ListenAddr,
		Logger:   logger,
		Recorder: recorder,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error {
		return pollPeers(gctx, registry, targets, store, lister, backoff, pollInterval, maxHoursAgo, logger, recorder)
	})
	g.Go(func() error { return serverutil.Run(gctx, serverutil.Config{Server: srv}) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// pollPeers runs one full backfill sweep across every (peer, target) pair
// on a fixed interval, rebuilding the set of workers each tick from the
// registry's current peers so a newly-added or removed node takes effect
// on the next sweep without a process restart.
func pollPeers(
	ctx context.Context,
	registry *nodes.Registry,
	targets []target,
	store *archive.Store,
	lister backfill.PeerLister,
	backoff backfill.BackoffState,
	interval time.Duration,
	maxHoursAgo time.Duration,
	logger *slog.Logger,
	recorder *metrics.Recorder,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweep(ctx, registry, targets, store, lister, backoff, maxHoursAgo, logger, recorder)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sweep(
	ctx context.Context,
	registry *nodes.Registry,
	targets []target,
	store *archive.Store,
	lister backfill.PeerLister,
	backoff backfill.BackoffState,
	maxHoursAgo time.Duration,
	logger *slog.Logger,
	recorder *metrics.Recorder,
) {
	peers := registry.Peers()
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		for _, t := range targets {
			peer, t := peer, t
			g.Go(func() error {
				worker := backfill.New(backfill.Config{
					PeerURL:     peer.URL,
					Channel:     t.channel,
					Quality:     t.quality,
					Archive:     store,
					Lister:      lister,
					Backoff:     backoff,
					MaxHoursAgo: maxHoursAgo,
					Logger:      logger,
					Recorder:    recorder,
				})
				if err := worker.RunOnce(gctx); err != nil {
					logger.Error("backfill sweep failed", "peer", peer.URL, "channel", t.channel, "quality", t.quality, "error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
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

// parseStaticPeers parses WUBLOADER_STATIC_PEERS, a comma-separated list of
// name=url pairs, for deployments that pin their peer set instead of
// reading it from the nodes table (nodes.Config.Static bypasses Refresh
// entirely).
func parseStaticPeers(raw string) ([]models.NodeRow, error) {
	var peers []models.NodeRow
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid static peer %q, expected name=url", entry)
		}
		peers = append(peers, models.NodeRow{Name: parts[0], URL: parts[1], BackfillFrom: true})
	}
	return peers, nil
}
