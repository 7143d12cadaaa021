package coverage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"wubloader/internal/archive"
	"wubloader/internal/observability/metrics"
)

// Config wires a Worker's dependencies.
type Config struct {
	Archive   *archive.Store
	OutputDir string // where audit PNGs and the viewer index.html are written
	Schedule  string // cron expression for the periodic full-recompute fallback
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
}

func (cfg Config) withDefaults() Config {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	return cfg
}

// Worker recomputes coverage audits for the local archive, on a periodic
// schedule and (via Watch) in response to filesystem changes.
type Worker struct {
	cfg Config
}

// New constructs a Worker.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg.withDefaults()}
}

// RunOnce recomputes the audit PNG and viewer index for every (channel,
// quality, hour) currently present in the archive.
func (w *Worker) RunOnce(ctx context.Context) error {
	keys, err := w.allHourKeys()
	if err != nil {
		return fmt.Errorf("enumerate archive: %w", err)
	}

	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for _, k := range keys {
		if err := w.recomputeOne(k); err != nil {
			w.cfg.Logger.Error("coverage recompute failed", "channel", k.Channel, "quality", k.Quality, "hour", k.Hour, "error", err)
			continue
		}
	}

	if err := w.writeViewer(keys); err != nil {
		return fmt.Errorf("write viewer: %w", err)
	}
	w.cfg.Recorder.CoverageRebuilt()
	return nil
}

func (w *Worker) recomputeOne(k HourKey) error {
	hourStart, err := k.ParseHour()
	if err != nil {
		return err
	}
	segs, err := w.cfg.Archive.Segments(k.Channel, k.Quality, k.Hour)
	if err != nil {
		return err
	}
	slots := Audit(hourStart, segs)
	png, err := RenderPNG(slots)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.cfg.OutputDir, k.Filename()), png, 0o644)
}

func (w *Worker) writeViewer(keys []HourKey) error {
	var buf bytes.Buffer
	if err := RenderViewer(&buf, keys); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.cfg.OutputDir, "index.html"), buf.Bytes(), 0o644)
}

// allHourKeys walks every channel/quality/hour directory present in the
// archive.
func (w *Worker) allHourKeys() ([]HourKey, error) {
	channels, err := listDirs(w.cfg.Archive.BaseDir)
	if err != nil {
		return nil, err
	}
	var keys []HourKey
	for _, channel := range channels {
		qualities, err := w.cfg.Archive.Qualities(channel)
		if err != nil {
			return nil, err
		}
		for _, quality := range qualities {
			hours, err := w.cfg.Archive.Hours(channel, quality)
			if err != nil {
				return nil, err
			}
			for _, hour := range hours {
				keys = append(keys, HourKey{Channel: channel, Quality: quality, Hour: hour})
			}
		}
	}
	return keys, nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RunSchedule blocks, recomputing on cfg.Schedule until ctx is cancelled —
// the periodic fallback for whenever Watch's event-driven recompute misses
// a change (e.g. the watcher was briefly down).
func (w *Worker) RunSchedule(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(w.cfg.Schedule, func() {
		if err := w.RunOnce(ctx); err != nil {
			w.cfg.Logger.Error("scheduled coverage recompute failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule coverage recompute: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// Watch recomputes a single (channel, quality, hour)'s audit whenever a
// segment is written under the archive, rather than waiting for the next
// scheduled sweep. It watches the archive root and every channel/quality/
// hour directory beneath it, adding watches for directories created after
// startup (new channels, qualities, and hour buckets appear over time as
// Downloader/Backfiller write).
func (w *Worker) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addWatchesRecursive(watcher, w.cfg.Archive.BaseDir); err != nil {
		return fmt.Errorf("watch archive root: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.cfg.Logger.Warn("coverage watcher error", "error", err)
		}
	}
}

func (w *Worker) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	info, err := os.Stat(event.Name)
	if err == nil && info.IsDir() && event.Op&fsnotify.Create != 0 {
		if err := w.addWatchesRecursive(watcher, event.Name); err != nil {
			w.cfg.Logger.Warn("coverage: add watch failed", "path", event.Name, "error", err)
		}
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	k, ok := hourKeyFromPath(w.cfg.Archive.BaseDir, event.Name)
	if !ok {
		return
	}
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		w.cfg.Logger.Error("coverage: create output dir failed", "error", err)
		return
	}
	if err := w.recomputeOne(k); err != nil {
		w.cfg.Logger.Error("coverage: recompute on change failed", "channel", k.Channel, "quality", k.Quality, "hour", k.Hour, "error", err)
		return
	}
	keys, err := w.allHourKeys()
	if err != nil {
		w.cfg.Logger.Error("coverage: enumerate archive failed", "error", err)
		return
	}
	if err := w.writeViewer(keys); err != nil {
		w.cfg.Logger.Error("coverage: write viewer failed", "error", err)
	}
}

func (w *Worker) addWatchesRecursive(watcher *fsnotify.Watcher, root string) error {
	if err := watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.addWatchesRecursive(watcher, filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// hourKeyFromPath derives the (channel, quality, hour) an archive path
// belongs to, for a segment file written three levels below baseDir.
func hourKeyFromPath(baseDir, path string) (HourKey, bool) {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		return HourKey{}, false
	}
	parts := splitPath(rel)
	if len(parts) < 4 {
		return HourKey{}, false
	}
	return HourKey{Channel: parts[0], Quality: parts[1], Hour: parts[2]}, true
}

func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}
