// Package cutter implements the cut-and-upload worker (spec.md §4.4): it
// claims an EDITED row, selects segments for each requested range, builds
// and runs the ffmpeg pipeline, streams the result to the row's upload
// backend, and advances the state machine through FINALIZING to
// TRANSCODING/DONE. A periodic sweep releases stale CLAIMED rows.
package cutter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wubloader/internal/archive"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/models"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/selection"
	"wubloader/internal/storage"
	"wubloader/internal/thumbnail"
	"wubloader/internal/upload"
)

// Config wires a Worker's dependencies.
type Config struct {
	Uploader     string // this node's identity, written to uploader on claim
	Events       storage.EventRepository
	Archive      *archive.Store
	Uploads      *upload.Registry
	Cache        *cutpipeline.Cache
	Templates    thumbnail.TemplateSet
	FFmpegBinary string
	Logger       *slog.Logger
	Recorder     *metrics.Recorder

	StaleClaimAfter time.Duration
	PollInterval    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Uploader == "" {
		cfg.Uploader = uuid.NewString()
	}
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = cutpipeline.NewCache(nil, 0)
	}
	return cfg
}

// Worker runs the claim/cut/upload/finalize loop.
type Worker struct {
	cfg Config
}

// New constructs a Worker.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg.withDefaults()}
}

// ErrNoWork is returned by RunOnce and RunModificationOnce when no row is
// available for this worker to claim.
var ErrNoWork = errors.New("cutter: no claimable work")

// RunOnce looks for one EDITED row whose upload_location this worker can
// serve, claims it, and drives it through to FINALIZING/TRANSCODING/DONE.
// Returns ErrNoWork if nothing was claimable.
func (w *Worker) RunOnce(ctx context.Context) error {
	candidates, err := w.cfg.Events.ListByState(ctx, models.StateEdited)
	if err != nil {
		return fmt.Errorf("list edited rows: %w", err)
	}

	for _, row := range candidates {
		if _, ok := w.cfg.Uploads.Lookup(row.UploadLocation); !ok {
			continue
		}
		if err := w.claimAndProcess(ctx, row.ID); err != nil {
			if errors.Is(err, storage.ErrClaimLost) {
				continue // another cutter won; try the next candidate
			}
			return err
		}
		return nil
	}
	return ErrNoWork
}

func (w *Worker) claimAndProcess(ctx context.Context, id string) error {
	row, err := w.cfg.Events.Claim(ctx, id, w.cfg.Uploader)
	w.cfg.Recorder.ObserveClaimAttempt(row.UploadLocation, err == nil)
	if err != nil {
		return err
	}

	w.cfg.Recorder.CutterActive(1)
	defer w.cfg.Recorder.CutterActive(-1)

	if procErr := w.process(ctx, row); procErr != nil {
		w.cfg.Logger.Error("cut job failed", "event_id", row.ID, "error", procErr)
		if errors.Is(procErr, errInvariantViolation) {
			// A programming invariant violation is fatal to this worker: the row
			// is left CLAIMED (untouched) and nothing is written back to the
			// database; the process is expected to be restarted.
			return procErr
		}
		msg := procErr.Error()
		if isRetryable(procErr) {
			return w.cfg.Events.Release(ctx, row.ID, models.StateEdited, &msg)
		}
		return w.cfg.Events.Release(ctx, row.ID, models.StateUnedited, &msg)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, row models.EventRow) error {
	backend, ok := w.cfg.Uploads.Lookup(row.UploadLocation)
	if !ok {
		return fmt.Errorf("%w: unknown upload_location %q", errNonRetryable, row.UploadLocation)
	}

	if err := validateCutRequest(row); err != nil {
		return err
	}

	inputs, segmentHashes, err := w.resolveInputs(row)
	if err != nil {
		return err
	}

	plan, err := cutpipeline.Build(w.cfg.FFmpegBinary, cutpipeline.Request{
		Type:        row.CutType,
		Inputs:      inputs,
		Transitions: row.Transitions,
		Crop:        row.Crop,
	})
	if err != nil {
		return fmt.Errorf("%w: build cut plan: %v", errNonRetryable, err)
	}
	defer plan.Cleanup()

	cacheKey := cutpipeline.Key(string(row.CutType), segmentHashes, transitionsKey(row.Transitions), cropKey(row.Crop))

	session, err := backend.Begin(ctx, upload.Metadata{
		Title:       row.VideoTitle,
		Description: row.VideoDesc,
		Tags:        row.VideoTags,
		Public:      row.Public,
	})
	if err != nil {
		return fmt.Errorf("begin upload: %w", err)
	}

	start := time.Now()
	if cached, ok := w.cfg.Cache.Get(ctx, cacheKey); ok {
		if uploadErr := backend.UploadChunk(ctx, session, cached); uploadErr != nil {
			return fmt.Errorf("upload cached cut: %w", uploadErr)
		}
	} else {
		sink := &chunkWriter{ctx: ctx, backend: backend, session: session}
		if runErr := cutpipeline.Run(ctx, plan, sink, w.cfg.Logger); runErr != nil {
			return fmt.Errorf("run cut pipeline: %w", runErr)
		}
		if row.CutType == models.CutFull || row.CutType == models.CutWebm {
			_ = w.cfg.Cache.Set(ctx, cacheKey, sink.buffered.Bytes())
		}
	}
	w.cfg.Recorder.ObserveCut(string(row.CutType), time.Since(start))

	if row.Thumbnail != nil && row.Thumbnail.Mode != models.ThumbnailNone {
		if err := w.renderAndSetThumbnail(ctx, backend, session, row); err != nil {
			w.cfg.Logger.Warn("thumbnail render/upload failed", "event_id", row.ID, "error", err)
		}
	}

	if err := w.cfg.Events.MarkFinalizing(ctx, row.ID); err != nil {
		return err
	}

	result, err := backend.Commit(ctx, session)
	if err != nil {
		msg := err.Error()
		switch {
		case errors.Is(err, upload.ErrCommitNotCommitted):
			// Backend confirms nothing was published: safe to retry from EDITED.
			return w.cfg.Events.FinalizeFailed(ctx, row.ID, models.StateEdited, msg)
		case errors.Is(err, upload.ErrCommitFailed):
			// Backend confirms the commit itself is permanently rejected.
			return w.cfg.Events.FinalizeFailed(ctx, row.ID, models.StateUnedited, msg)
		default:
			// Ambiguous: the backend may have actually committed. Leave the row
			// in FINALIZING rather than risk a duplicate publish by retrying
			// automatically; raise the monitoring signal for an operator.
			w.cfg.Logger.Error("ambiguous commit failure, row left in FINALIZING", "event_id", row.ID, "error", err)
			w.cfg.Recorder.ObserveAmbiguousCommit()
			return nil
		}
	}

	return w.cfg.Events.FinalizeAccepted(ctx, row.ID, result.VideoID, result.VideoLink, result.ImmediatelyPlayable)
}

// errInvariantViolation marks a cut request whose shape the editor/database
// layer should have already rejected: a transitions slice whose length
// doesn't match ranges-1. Per spec.md §7 this is a programming invariant
// violation, fatal to the worker, and never written to the database -
// distinct from errNonRetryable's "Unsatisfiable request" rows, which are
// reported back via CLAIMED -> UNEDITED.
var errInvariantViolation = errors.New("cutter: invariant violation")

// knownTransitionTypes lists the xfade filter names the cut pipeline accepts
// (spec.md §4.2's "fade, wipe" examples, mapped onto ffmpeg's xfade
// transition names).
var knownTransitionTypes = map[string]bool{
	"fade":      true,
	"fadeblack": true,
	"fadewhite": true,
	"wipeleft":  true,
	"wiperight": true,
	"wipeup":    true,
	"wipedown":  true,
	"dissolve":  true,
}

// validateCutRequest checks an event row's ranges/transitions against
// spec.md §4.4 step 1 before any segment is resolved or ffmpeg invoked:
// at least one range, a transitions slice of exactly len(ranges)-1, each
// transition either nil or a known type with a positive duration not
// exceeding either range it overlaps.
func validateCutRequest(row models.EventRow) error {
	if len(row.Ranges) < 1 {
		return fmt.Errorf("%w: cut request has no ranges", errNonRetryable)
	}
	if len(row.Transitions) != len(row.Ranges)-1 {
		return fmt.Errorf("%w: transitions length %d, want %d for %d ranges",
			errInvariantViolation, len(row.Transitions), len(row.Ranges)-1, len(row.Ranges))
	}
	for i, t := range row.Transitions {
		if t == nil {
			continue
		}
		if !knownTransitionTypes[t.Type] {
			return fmt.Errorf("%w: transition %d has unknown type %q", errNonRetryable, i, t.Type)
		}
		if t.Duration <= 0 {
			return fmt.Errorf("%w: transition %d has non-positive duration %f", errNonRetryable, i, t.Duration)
		}
		left := row.Ranges[i]
		right := row.Ranges[i+1]
		leftLen := left.End.Sub(left.Start).Seconds()
		rightLen := right.End.Sub(right.Start).Seconds()
		if t.Duration > leftLen || t.Duration > rightLen {
			return fmt.Errorf("%w: transition %d overlap %fs exceeds an adjoining range's length", errNonRetryable, i, t.Duration)
		}
	}
	return nil
}

// resolveInputs turns an event row's ranges into cutpipeline.Inputs,
// selecting segments from the archive for each range and surfacing a
// non-retryable error when a hole is found and AllowHoles is false
// (spec.md §4.2, §4.4).
func (w *Worker) resolveInputs(row models.EventRow) ([]cutpipeline.Input, []string, error) {
	var inputs []cutpipeline.Input
	var hashes []string

	for _, r := range row.Ranges {
		allSegs, err := w.allSegmentsFor(row.Channel, row.Quality)
		if err != nil {
			return nil, nil, err
		}

		result := selection.Select(allSegs, r.Start, r.End)
		if !result.Covered() && !row.AllowHoles {
			return nil, nil, fmt.Errorf("%w: range %s-%s has holes", errNonRetryable, r.Start, r.End)
		}

		for _, seg := range result.Segments {
			segStart := seg.Start
			clipStart := 0.0
			if r.Start.After(segStart) {
				clipStart = r.Start.Sub(segStart).Seconds()
			}
			clipEnd := seg.Duration
			if r.End.Before(seg.End()) {
				clipEnd = r.End.Sub(segStart).Seconds()
			}
			duration := clipEnd - clipStart
			if clipStart == 0 && clipEnd == seg.Duration {
				// Whole segment, nothing to trim: leave Duration at its
				// "to end of file" zero value so buildSmart sees it needs no
				// trimming (and takes the fast concat path when no input does).
				duration = 0
			}
			inputs = append(inputs, cutpipeline.Input{
				Path:     w.cfg.Archive.Path(seg),
				Start:    clipStart,
				Duration: duration,
			})
			hashes = append(hashes, seg.Hash)
		}
	}

	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("%w: no segments resolved for any requested range", errNonRetryable)
	}
	return inputs, hashes, nil
}

// allSegmentsFor gathers every segment across every hour bucket for
// (channel, quality), since a requested range may span hour boundaries.
func (w *Worker) allSegmentsFor(channel, quality string) ([]models.Segment, error) {
	hours, err := w.cfg.Archive.Hours(channel, quality)
	if err != nil {
		return nil, fmt.Errorf("list hours: %w", err)
	}
	var all []models.Segment
	for _, hour := range hours {
		segs, err := w.cfg.Archive.Segments(channel, quality, hour)
		if err != nil {
			return nil, fmt.Errorf("list segments for hour %s: %w", hour, err)
		}
		all = append(all, segs...)
	}
	return all, nil
}

func (w *Worker) renderAndSetThumbnail(ctx context.Context, backend upload.Backend, session upload.Session, row models.EventRow) error {
	caps := backend.Capabilities()
	if !caps.SetThumbnail {
		return nil
	}
	if row.Thumbnail.Mode != models.ThumbnailCustom {
		// Worker renders only CUSTOM images, which carry their own bytes.
		// BARE/TEMPLATE need a captured video frame, which neither this
		// package nor cmd/cutter extracts, so those thumbnails are skipped.
		return nil
	}
	rendered, err := thumbnail.Render(*row.Thumbnail, nil, w.cfg.Templates)
	if err != nil {
		return err
	}
	return backend.SetThumbnail(ctx, session, rendered, "image/png")
}

// RunModificationOnce looks for a MODIFIED row whose backend supports
// metadata mutation, claims it, and applies the metadata/thumbnail change
// (spec.md §4.4's modification path).
func (w *Worker) RunModificationOnce(ctx context.Context) error {
	candidates, err := w.cfg.Events.ListByState(ctx, models.StateModified)
	if err != nil {
		return fmt.Errorf("list modified rows: %w", err)
	}

	for _, row := range candidates {
		if !w.cfg.Uploads.SupportsModification(row.UploadLocation) {
			continue // spec.md §9: operator error, reject at claim time
		}
		if err := w.claimAndModify(ctx, row); err != nil {
			if errors.Is(err, storage.ErrClaimLost) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrNoWork
}

func (w *Worker) claimAndModify(ctx context.Context, row models.EventRow) error {
	claimed, err := w.cfg.Events.Claim(ctx, row.ID, w.cfg.Uploader)
	if err != nil {
		return err
	}

	backend, ok := w.cfg.Uploads.Lookup(claimed.UploadLocation)
	if !ok {
		msg := fmt.Sprintf("unknown upload_location %q", claimed.UploadLocation)
		return w.cfg.Events.Release(ctx, claimed.ID, models.StateDone, &msg)
	}

	session := upload.Session{ID: claimed.ID}
	if err := backend.ModifyMetadata(ctx, session, upload.Metadata{
		Title:       claimed.VideoTitle,
		Description: claimed.VideoDesc,
		Tags:        claimed.VideoTags,
		Public:      claimed.Public,
	}); err != nil {
		msg := err.Error()
		return w.cfg.Events.Release(ctx, claimed.ID, models.StateDone, &msg)
	}

	// Only CUSTOM thumbnails carry their own bytes and can be re-rendered
	// without re-extracting a frame from archived footage; BARE/TEMPLATE
	// re-renders on modification would need the cut's original frame, which
	// this path doesn't have access to.
	if claimed.Thumbnail != nil && claimed.Thumbnail.Mode == models.ThumbnailCustom {
		newHash := thumbnail.Hash(claimed.Thumbnail.CustomImage)
		if claimed.ThumbnailLastWritten == nil || *claimed.ThumbnailLastWritten != newHash {
			rendered, err := thumbnail.Render(*claimed.Thumbnail, nil, w.cfg.Templates)
			if err == nil && rendered != nil {
				_ = backend.SetThumbnail(ctx, session, rendered, "image/png")
			}
		}
	}

	return w.cfg.Events.CompleteModification(ctx, claimed.ID)
}

// SweepStaleClaims releases CLAIMED rows whose last_modified is older than
// StaleClaimAfter back to EDITED, so a crashed cutter doesn't strand a job
// forever (spec.md §4.4).
func (w *Worker) SweepStaleClaims(ctx context.Context) (int, error) {
	stale, err := w.cfg.Events.StaleClaims(ctx, w.cfg.StaleClaimAfter)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, row := range stale {
		msg := "stale claim released by sweep"
		if err := w.cfg.Events.Release(ctx, row.ID, models.StateEdited, &msg); err != nil {
			if !errors.Is(err, storage.ErrClaimLost) {
				w.cfg.Logger.Error("stale claim release failed", "event_id", row.ID, "error", err)
			}
			continue
		}
		released++
	}
	return released, nil
}

// PollTranscoding advances TRANSCODING rows to DONE once their upload
// backend reports the asynchronous post-processing finished (spec.md
// §4.4: "every cutter polls backend query_status ... regardless of which
// cutter created them").
func (w *Worker) PollTranscoding(ctx context.Context) error {
	rows, err := w.cfg.Events.ListByState(ctx, models.StateTranscoding)
	if err != nil {
		return fmt.Errorf("list transcoding rows: %w", err)
	}
	for _, row := range rows {
		backend, ok := w.cfg.Uploads.Lookup(row.UploadLocation)
		if !ok {
			continue
		}
		session := upload.Session{ID: row.ID}
		if row.VideoID != nil {
			session.ID = *row.VideoID
		}
		result, err := backend.QueryStatus(ctx, session)
		if err != nil {
			w.cfg.Recorder.ObserveTranscodePoll("error")
			continue
		}
		switch result.Status {
		case upload.StatusReady:
			w.cfg.Recorder.ObserveTranscodePoll("done")
			if err := w.cfg.Events.MarkDone(ctx, row.ID); err != nil && !errors.Is(err, storage.ErrClaimLost) {
				w.cfg.Logger.Error("mark done failed", "event_id", row.ID, "error", err)
			}
		default:
			w.cfg.Recorder.ObserveTranscodePoll("transcoding")
		}
	}
	return nil
}

// chunkWriter adapts an upload.Backend's chunked-session API to the
// io.Writer cutpipeline.Run streams ffmpeg's stdout into, buffering a copy
// so the bytes can be memoized for full/webm cuts (spec.md §9's
// at-least-once retry semantics).
type chunkWriter struct {
	ctx      context.Context
	backend  upload.Backend
	session  upload.Session
	buffered bytes.Buffer
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if err := w.backend.UploadChunk(w.ctx, w.session, p); err != nil {
		return 0, err
	}
	w.buffered.Write(p)
	return len(p), nil
}

var errNonRetryable = errors.New("cutter: non-retryable")

func isRetryable(err error) bool {
	return !errors.Is(err, errNonRetryable)
}

func transitionsKey(transitions []*models.Transition) string {
	key := ""
	for _, t := range transitions {
		if t == nil {
			key += "|"
			continue
		}
		key += fmt.Sprintf("%s:%f|", t.Type, t.Duration)
	}
	return key
}

func cropKey(crop *models.Crop) string {
	if crop == nil {
		return ""
	}
	return fmt.Sprintf("%d:%d:%d:%d", crop.X, crop.Y, crop.Width, crop.Height)
}
