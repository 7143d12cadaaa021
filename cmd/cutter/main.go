// Command cutter runs the cut-and-upload worker (spec.md §4.4): it claims
// EDITED rows from Postgres, builds and runs the ffmpeg pipeline, streams
// the result to the row's configured upload backend, and drives the row
// through FINALIZING to TRANSCODING/DONE. A background loop also handles
// MODIFIED rows, stale-claim sweeps, and polling backends still
// transcoding.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"wubloader/internal/archive"
	"wubloader/internal/config"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/cutter"
	"wubloader/internal/httpserver"
	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/serverutil"
	"wubloader/internal/storage"
	"wubloader/internal/thumbnail"
	"wubloader/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cutter:", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	store := archive.New(cfg.ArchiveBaseDir)

	var cache *cutpipeline.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cache = cutpipeline.NewCache(client, 0)
	}

	backends, err := loadUploadBackends()
	if err != nil {
		return fmt.Errorf("load upload backends: %w", err)
	}
	registry := upload.NewRegistry(backends...)

	templates, err := loadTemplates(os.Getenv("WUBLOADER_THUMBNAIL_TEMPLATES"))
	if err != nil {
		return fmt.Errorf("load thumbnail templates: %w", err)
	}

	pollInterval, err := config.Duration("WUBLOADER_CUTTER_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return err
	}
	staleAfter, err := config.Duration("WUBLOADER_CUTTER_STALE_CLAIM_AFTER", 15*time.Minute)
	if err != nil {
		return err
	}

	worker := cutter.New(cutter.Config{
		Uploader:        strings.TrimSpace(os.Getenv("WUBLOADER_NODE_NAME")),
		Events:          events,
		Archive:         store,
		Uploads:         registry,
		Cache:           cache,
		Templates:       templates,
		FFmpegBinary:    cfg.FFmpegBinary,
		Logger:          logger,
		Recorder:        recorder,
		StaleClaimAfter: staleAfter,
		PollInterval:    pollInterval,
	})

	srv, err := httpserver.New(httpserver.Config{
		Addr:     cfg.ListenAddr,
		Logger:   logger,
		Recorder: recorder,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	c := cron.New()
	registerEvery(c, pollInterval, func() {
		for {
			if err := worker.RunOnce(ctx); err != nil {
				if !errors.Is(err, cutter.ErrNoWork) {
					logger.Error("cut job failed", "error", err)
				}
				return
			}
		}
	})
	registerEvery(c, pollInterval, func() {
		if err := worker.RunModificationOnce(ctx); err != nil {
			logger.Error("modification job failed", "error", err)
		}
	})
	registerEvery(c, pollInterval, func() {
		if err := worker.PollTranscoding(ctx); err != nil {
			logger.Error("transcode poll failed", "error", err)
		}
	})
	registerEvery(c, staleAfter, func() {
		released, err := worker.SweepStaleClaims(ctx)
		if err != nil {
			logger.Error("stale claim sweep failed", "error", err)
			return
		}
		if released > 0 {
			logger.Info("released stale claims", "count", released)
		}
	})
	c.Start()
	defer func() { <-c.Stop().Done() }()

	return serverutil.Run(ctx, serverutil.Config{Server: srv})
}

// registerEvery schedules fn on a fixed interval via cron's "@every"
// syntax, matching internal/coverage.Worker's own cron-loop shape. A
// misconfigured (non-positive) interval is clamped to one second so the
// loop is never scheduled with an empty/degenerate spec.
func registerEvery(c *cron.Cron, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	_, _ = c.AddFunc("@every "+interval.String(), fn)
}

// loadUploadBackends builds the upload.Registry's backends from
// WUBLOADER_UPLOAD_BACKENDS, a JSON array of {"type": "http"|"s3", ...}
// entries, following the same inline-JSON-or-file-path convention the
// teacher's oauth.LoadProviders used for provider configuration.
func loadUploadBackends() ([]upload.Backend, error) {
	raw := strings.TrimSpace(os.Getenv("WUBLOADER_UPLOAD_BACKENDS"))
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if !strings.HasPrefix(raw, "[") {
		content, err := os.ReadFile(raw)
		if err != nil {
			return nil, fmt.Errorf("read upload backend config %s: %w", raw, err)
		}
		data = content
	}

	var entries []uploadBackendSpec
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode upload backend config: %w", err)
	}

	backends := make([]upload.Backend, 0, len(entries))
	for _, entry := range entries {
		backend, err := entry.build()
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

type uploadBackendSpec struct {
	Type           string `json:"type"`
	LocationName   string `json:"locationName"`
	BaseURL        string `json:"baseURL"`
	Endpoint       string `json:"endpoint"`
	Region         string `json:"region"`
	AccessKey      string `json:"accessKey"`
	SecretKey      string `json:"secretKey"`
	Bucket         string `json:"bucket"`
	UseSSL         bool   `json:"useSSL"`
	Prefix         string `json:"prefix"`
	PublicEndpoint string `json:"publicEndpoint"`
}

func (s uploadBackendSpec) build() (upload.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "http":
		return upload.NewHTTPBackend(upload.HTTPConfig{
			BaseURL:      s.BaseURL,
			LocationName: s.LocationName,
		}), nil
	case "s3":
		return upload.NewS3Backend(upload.S3Config{
			Endpoint:       s.Endpoint,
			Region:         s.Region,
			AccessKey:      s.AccessKey,
			SecretKey:      s.SecretKey,
			Bucket:         s.Bucket,
			UseSSL:         s.UseSSL,
			Prefix:         s.Prefix,
			PublicEndpoint: s.PublicEndpoint,
			LocationName:   s.LocationName,
		}), nil
	default:
		return nil, fmt.Errorf("unknown upload backend type %q", s.Type)
	}
}

// loadTemplates reads a thumbnail template directory's manifest.json
// (name -> {file, x, y, width, height}) and decodes each referenced PNG,
// building the thumbnail.TemplateSet the cutter renders TEMPLATE-mode
// thumbnails against. An empty dir yields an empty set, so TEMPLATE mode
// simply has nothing to match rather than erroring at startup.
func loadTemplates(dir string) (thumbnail.MapTemplateSet, error) {
	set := thumbnail.MapTemplateSet{}
	if dir == "" {
		return set, nil
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("read template manifest: %w", err)
	}

	var manifest []struct {
		Name      string `json:"name"`
		File      string `json:"file"`
		X         int    `json:"x"`
		Y         int    `json:"y"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode template manifest: %w", err)
	}

	for _, entry := range manifest {
		imgFile, err := os.Open(filepath.Join(dir, entry.File))
		if err != nil {
			return nil, fmt.Errorf("open template %s: %w", entry.Name, err)
		}
		img, err := png.Decode(imgFile)
		closeErr := imgFile.Close()
		if err != nil {
			return nil, fmt.Errorf("decode template %s: %w", entry.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close template %s: %w", entry.Name, closeErr)
		}
		set[entry.Name] = struct {
			Image     image.Image
			Placement image.Rectangle
		}{
			Image:     img,
			Placement: image.Rect(entry.X, entry.Y, entry.X+entry.Width, entry.Y+entry.Height),
		}
	}
	return set, nil
}
