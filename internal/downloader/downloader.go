// Package downloader implements the per-(channel, quality) capture worker:
// poll the upstream HLS media playlist, fetch new segments concurrently,
// classify them full/suspect/partial, and write them into the local
// archive. It is the Downloader component of spec.md §4.1.
package downloader

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"wubloader/internal/archive"
	"wubloader/internal/models"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/segment"
)

// RemoteSegment is one entry from a polled upstream media playlist.
type RemoteSegment struct {
	URL           string
	Start         time.Time
	Duration      float64 // seconds, as advertised by #EXTINF
	Discontinuous bool    // preceded by an #EXT-X-DISCONTINUITY tag
}

// PlaylistSource polls an upstream server for the current segment list of
// one (channel, quality).
type PlaylistSource interface {
	Poll(ctx context.Context, channel, quality string) ([]RemoteSegment, error)
}

// Config configures a Worker.
type Config struct {
	Archive      *archive.Store
	Source       PlaylistSource
	Client       *http.Client
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
	Concurrency  int64
	MaxAttempts  int
	RetryBackoff time.Duration
	FFprobePath  string // empty disables duration probing; advertised duration is trusted
}

// Worker captures one (channel, quality) stream into the archive.
type Worker struct {
	cfg Config
}

// New constructs a Worker from cfg, applying defaults.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	return &Worker{cfg: cfg}
}

// RunOnce polls the playlist once and fetches every segment it lists,
// bounded by cfg.Concurrency concurrent fetches. Segments already in the
// archive are fetched again; Archive.Write gives identical content the
// same content-addressed name, so no extra file results.
func (w *Worker) RunOnce(ctx context.Context, channel, quality string) error {
	remote, err := w.cfg.Source.Poll(ctx, channel, quality)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(w.cfg.Concurrency)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, rs := range remote {
		rs := rs
		hour := segment.HourBucket(rs.Start)
		if w.alreadyHave(channel, quality, hour, rs) {
			continue
		}
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			return w.fetchOne(groupCtx, channel, quality, rs)
		})
	}

	return group.Wait()
}

// alreadyHave always reports false: segments are content-addressed, so an
// exact hash isn't known until after the fetch, and RemoteSegment carries
// none. Dedup happens by Archive.Write racing harmlessly on identical
// content (spec.md §5).
func (w *Worker) alreadyHave(channel, quality, hour string, rs RemoteSegment) bool {
	return false
}

func (w *Worker) fetchOne(ctx context.Context, channel, quality string, rs RemoteSegment) error {
	body, truncated, err := fetchBytes(ctx, w.cfg.Client, rs.URL, w.cfg.Logger, w.cfg.MaxAttempts, w.cfg.RetryBackoff)
	if err != nil && len(body) == 0 {
		w.cfg.Recorder.SegmentAbandoned(channel, quality)
		w.cfg.Logger.Warn("segment abandoned", "channel", channel, "quality", quality, "url", rs.URL, "error", err)
		return nil
	}
	if err != nil {
		w.cfg.Recorder.SegmentRetried(channel, quality)
	}

	decoded := w.probeDuration(ctx, body, rs.Duration)
	segType := segment.Classify(truncated, rs.Discontinuous, rs.Duration, decoded, 0.5)

	seg := models.Segment{
		Channel:  channel,
		Quality:  quality,
		Hour:     segment.HourBucket(rs.Start),
		Start:    rs.Start,
		Duration: decoded,
		Type:     segType,
		Hash:     segment.HashContent(body),
	}

	if err := w.cfg.Archive.Write(seg, bytes.NewReader(body)); err != nil {
		w.cfg.Logger.Error("write segment failed", "channel", channel, "quality", quality, "error", err)
		return err
	}

	w.cfg.Recorder.SegmentDownloaded(channel, quality, string(segType))
	return nil
}

// probeDuration shells out to ffprobe to measure the actual decoded
// duration of body, when cfg.FFprobePath is set; otherwise it trusts the
// playlist's advertised duration.
func (w *Worker) probeDuration(ctx context.Context, body []byte, advertised float64) float64 {
	if w.cfg.FFprobePath == "" {
		return advertised
	}
	cmd := exec.CommandContext(ctx, w.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"pipe:0",
	)
	cmd.Stdin = bytes.NewReader(body)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return advertised
	}
	value, err := strconv.ParseFloat(trimNewline(out.String()), 64)
	if err != nil {
		return advertised
	}
	return value
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
