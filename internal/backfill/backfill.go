// Package backfill implements the Backfiller component of spec.md §4.3:
// for each peer and (channel, quality), diff the peer's segment listing
// against the local archive and fetch what is missing, newest-hour-first,
// discarding and noting any segment whose content hash doesn't match its
// filename.
package backfill

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"wubloader/internal/archive"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/segment"
)

// PeerLister lists and fetches segments from a remote Restreamer to
// replicate from.
type PeerLister interface {
	// Hours lists the hour buckets a peer has for (channel, quality).
	Hours(ctx context.Context, peerURL, channel, quality string) ([]string, error)
	// Filenames lists the segment filenames a peer has for one hour bucket.
	Filenames(ctx context.Context, peerURL, channel, quality, hour string) ([]string, error)
	// Fetch downloads one segment's raw bytes from a peer.
	Fetch(ctx context.Context, peerURL, channel, quality, hour, filename string) ([]byte, error)
}

// BackoffState tracks per-peer unreliability so that every local worker for
// a flaky peer backs off together, rather than rediscovering the same
// failure independently.
type BackoffState interface {
	// Backoff returns the current backoff duration for peerURL, zero if the
	// peer is currently considered healthy.
	Backoff(ctx context.Context, peerURL string) time.Duration
	// RecordFailure increases peerURL's backoff, capped.
	RecordFailure(ctx context.Context, peerURL string)
	// RecordSuccess resets peerURL's backoff to zero.
	RecordSuccess(ctx context.Context, peerURL string)
}

// Config configures a Worker replicating one peer × (channel, quality).
type Config struct {
	PeerURL      string
	Channel      string
	Quality      string
	Archive      *archive.Store
	Lister       PeerLister
	Backoff      BackoffState
	MaxHoursAgo  time.Duration
	Concurrency  int
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
}

// Worker replicates one peer's archive for one (channel, quality) into the
// local archive.
type Worker struct {
	cfg Config
}

// New constructs a Worker, applying defaults.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxHoursAgo <= 0 {
		cfg.MaxHoursAgo = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	return &Worker{cfg: cfg}
}

// RunOnce performs one backfill pass: list the peer's hours within the
// lookback window (newest first), diff each against the local archive by
// full filename, and fetch what's missing.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.cfg.Backoff != nil {
		if wait := w.cfg.Backoff.Backoff(ctx, w.cfg.PeerURL); wait > 0 {
			w.cfg.Logger.Debug("peer backing off, skipping pass", "peer", w.cfg.PeerURL, "wait", wait)
			return nil
		}
	}

	hours, err := w.cfg.Lister.Hours(ctx, w.cfg.PeerURL, w.cfg.Channel, w.cfg.Quality)
	if err != nil {
		w.recordFailure(ctx)
		return fmt.Errorf("list peer hours: %w", err)
	}
	w.recordSuccess(ctx)

	hours = filterWithinLookback(hours, w.cfg.MaxHoursAgo)
	sort.Sort(sort.Reverse(sort.StringSlice(hours)))

	for _, hour := range hours {
		if err := w.syncHour(ctx, hour); err != nil {
			w.cfg.Logger.Warn("sync hour failed", "peer", w.cfg.PeerURL, "hour", hour, "error", err)
			w.recordFailure(ctx)
		}
	}
	return nil
}

func (w *Worker) syncHour(ctx context.Context, hour string) error {
	remoteNames, err := w.cfg.Lister.Filenames(ctx, w.cfg.PeerURL, w.cfg.Channel, w.cfg.Quality, hour)
	if err != nil {
		return fmt.Errorf("list peer filenames: %w", err)
	}

	localSegments, err := w.cfg.Archive.Segments(w.cfg.Channel, w.cfg.Quality, hour)
	if err != nil {
		return fmt.Errorf("list local segments: %w", err)
	}
	have := make(map[string]bool, len(localSegments))
	for _, seg := range localSegments {
		have[segment.Filename(seg)] = true
	}

	missing := make([]string, 0, len(remoteNames))
	for _, name := range remoteNames {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, w.cfg.Concurrency)
	for _, name := range missing {
		name := name
		sem <- struct{}{}
		group.Go(func() error {
			defer func() { <-sem }()
			return w.fetchOne(groupCtx, hour, name)
		})
	}
	return group.Wait()
}

func (w *Worker) fetchOne(ctx context.Context, hour, filename string) error {
	body, err := w.cfg.Lister.Fetch(ctx, w.cfg.PeerURL, w.cfg.Channel, w.cfg.Quality, hour, filename)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", filename, err)
	}

	seg, err := segment.ParseFilename(w.cfg.Channel, w.cfg.Quality, hour, filename)
	if err != nil {
		return fmt.Errorf("parse filename %s: %w", filename, err)
	}

	if observedHash(body) != seg.Hash {
		w.cfg.Recorder.BackfillHashMismatch(w.cfg.PeerURL, w.cfg.Channel, w.cfg.Quality)
		w.cfg.Logger.Warn("hash mismatch, discarding", "peer", w.cfg.PeerURL, "filename", filename)
		return nil
	}

	if err := w.cfg.Archive.Write(seg, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	w.cfg.Recorder.BackfillFetched(w.cfg.PeerURL, w.cfg.Channel, w.cfg.Quality)
	return nil
}

func (w *Worker) recordFailure(ctx context.Context) {
	if w.cfg.Backoff != nil {
		w.cfg.Backoff.RecordFailure(ctx, w.cfg.PeerURL)
	}
}

func (w *Worker) recordSuccess(ctx context.Context) {
	if w.cfg.Backoff != nil {
		w.cfg.Backoff.RecordSuccess(ctx, w.cfg.PeerURL)
	}
}

func observedHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.URLEncoding.EncodeToString(sum[:])
}

func filterWithinLookback(hours []string, maxAgo time.Duration) []string {
	cutoff := time.Now().Add(-maxAgo)
	kept := make([]string, 0, len(hours))
	for _, hour := range hours {
		t, err := segment.ParseHourBucket(hour)
		if err != nil {
			continue
		}
		if t.After(cutoff) {
			kept = append(kept, hour)
		}
	}
	return kept
}

