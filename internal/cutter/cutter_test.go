package cutter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/archive"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/models"
	"wubloader/internal/segment"
	"wubloader/internal/storage"
	"wubloader/internal/testsupport/redisstub"
	"wubloader/internal/upload"
)

// fakeBackend is a minimal in-memory upload.Backend for exercising Worker
// without a real upload destination.
type fakeBackend struct {
	mu            sync.Mutex
	name          string
	caps          upload.Capabilities
	uploaded      bytes.Buffer
	committed     bool
	commitErr     error
	metadata      upload.Metadata
	metadataCalls int
	thumbnail     []byte
	immediate     bool
	status        upload.Status
}

func (f *fakeBackend) Name() string                       { return f.name }
func (f *fakeBackend) Capabilities() upload.Capabilities   { return f.caps }
func (f *fakeBackend) Begin(ctx context.Context, meta upload.Metadata) (upload.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = meta
	return upload.Session{ID: "session-1"}, nil
}

func (f *fakeBackend) UploadChunk(ctx context.Context, session upload.Session, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded.Write(chunk)
	return nil
}

func (f *fakeBackend) Commit(ctx context.Context, session upload.Session) (upload.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return upload.StatusResult{}, f.commitErr
	}
	f.committed = true
	return upload.StatusResult{Status: upload.StatusReady, VideoID: "vid-1", VideoLink: "https://example.com/vid-1", ImmediatelyPlayable: f.immediate}, nil
}

func (f *fakeBackend) QueryStatus(ctx context.Context, session upload.Session) (upload.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return upload.StatusResult{Status: f.status, VideoID: "vid-1", VideoLink: "https://example.com/vid-1"}, nil
}

func (f *fakeBackend) ModifyMetadata(ctx context.Context, session upload.Session, meta upload.Metadata) error {
	if !f.caps.ModifyMetadata {
		return upload.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls++
	f.metadata = meta
	return nil
}

func (f *fakeBackend) SetThumbnail(ctx context.Context, session upload.Session, image []byte, contentType string) error {
	if !f.caps.SetThumbnail {
		return upload.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbnail = append([]byte(nil), image...)
	return nil
}

func newFakeBackend(name string, caps upload.Capabilities) *fakeBackend {
	return &fakeBackend{name: name, caps: caps, status: upload.StatusProcessing}
}

func writeSegment(t *testing.T, store *archive.Store, channel, quality string, start time.Time, duration float64, body []byte) models.Segment {
	t.Helper()
	seg := models.Segment{
		Channel:  channel,
		Quality:  quality,
		Hour:     segment.HourBucket(start),
		Start:    start,
		Duration: duration,
		Type:     models.SegmentFull,
		Hash:     segment.HashContent(body),
	}
	require.NoError(t, store.Write(seg, bytes.NewReader(body)))
	return seg
}

func testRow(id, location string, start time.Time, end time.Time) models.EventRow {
	return models.EventRow{
		ID:             id,
		Channel:        "desertbus",
		Quality:        "source",
		Ranges:         []models.Range{{Start: start, End: end}},
		CutType:        models.CutFast,
		UploadLocation: location,
		VideoTitle:     "a clip",
	}
}

func TestRunOnceReturnsErrNoWorkWhenNothingClaimable(t *testing.T) {
	events := storage.NewMemory()
	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: upload.NewRegistry()})
	err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestRunOnceSkipsRowsWithUnregisteredUploadLocation(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	require.NoError(t, events.Create(ctx, testRow("evt-1", "nowhere", time.Time{}, time.Time{})))
	_, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{UploadLocation: "nowhere"})
	require.NoError(t, err)

	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: upload.NewRegistry()})
	err = w.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestResolveInputsSelectsSegmentsCoveringRange(t *testing.T) {
	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	seg := writeSegment(t, store, "desertbus", "source", start, 2.0, []byte("aaaa"))

	w := New(Config{Archive: store})
	row := testRow("evt-1", "loc", start, start.Add(2*time.Second))

	inputs, hashes, err := w.resolveInputs(row)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, store.Path(seg), inputs[0].Path)
	require.Len(t, hashes, 1)
	assert.Equal(t, seg.Hash, hashes[0])
}

func TestResolveInputsRejectsHolesWhenNotAllowed(t *testing.T) {
	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSegment(t, store, "desertbus", "source", start, 2.0, []byte("aaaa"))
	// Gap between 10:00:02 and 10:00:10, then a second segment; the requested
	// range spans the gap.
	writeSegment(t, store, "desertbus", "source", start.Add(10*time.Second), 2.0, []byte("bbbb"))

	w := New(Config{Archive: store})
	row := testRow("evt-1", "loc", start, start.Add(12*time.Second))
	row.AllowHoles = false

	_, _, err := w.resolveInputs(row)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNonRetryable)
}

func TestResolveInputsAllowsHolesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSegment(t, store, "desertbus", "source", start, 2.0, []byte("aaaa"))
	writeSegment(t, store, "desertbus", "source", start.Add(10*time.Second), 2.0, []byte("bbbb"))

	w := New(Config{Archive: store})
	row := testRow("evt-1", "loc", start, start.Add(12*time.Second))
	row.AllowHoles = true

	inputs, _, err := w.resolveInputs(row)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
}

func TestResolveInputsSignalsNoTrimForWholeSegment(t *testing.T) {
	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSegment(t, store, "desertbus", "source", start, 2.0, []byte("aaaa"))

	w := New(Config{Archive: store})
	row := testRow("evt-1", "loc", start, start.Add(2*time.Second))

	inputs, _, err := w.resolveInputs(row)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, 0.0, inputs[0].Start)
	assert.Equal(t, 0.0, inputs[0].Duration, "whole, untrimmed segment should signal Duration 0")
}

func TestResolveInputsSignalsTrimForPartialSegment(t *testing.T) {
	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSegment(t, store, "desertbus", "source", start, 2.0, []byte("aaaa"))

	w := New(Config{Archive: store})
	row := testRow("evt-1", "loc", start.Add(500*time.Millisecond), start.Add(2*time.Second))

	inputs, _, err := w.resolveInputs(row)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, 0.5, inputs[0].Start)
	assert.NotEqual(t, 0.0, inputs[0].Duration)
}

func TestValidateCutRequestAcceptsWellFormedRow(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	row := models.EventRow{
		Ranges: []models.Range{
			{Start: start, End: start.Add(2 * time.Second)},
			{Start: start.Add(4 * time.Second), End: start.Add(6 * time.Second)},
		},
		Transitions: []*models.Transition{{Type: "fade", Duration: 1.0}},
	}
	assert.NoError(t, validateCutRequest(row))
}

func TestValidateCutRequestRejectsEmptyRanges(t *testing.T) {
	assert.ErrorIs(t, validateCutRequest(models.EventRow{}), errNonRetryable)
}

func TestValidateCutRequestFlagsTransitionsLengthMismatchAsInvariantViolation(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	row := models.EventRow{
		Ranges: []models.Range{
			{Start: start, End: start.Add(2 * time.Second)},
			{Start: start.Add(4 * time.Second), End: start.Add(6 * time.Second)},
		},
		Transitions: []*models.Transition{{Type: "fade", Duration: 1.0}, {Type: "fade", Duration: 1.0}},
	}
	err := validateCutRequest(row)
	assert.ErrorIs(t, err, errInvariantViolation)
	assert.NotErrorIs(t, err, errNonRetryable)
}

func TestValidateCutRequestRejectsUnknownTransitionType(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	row := models.EventRow{
		Ranges: []models.Range{
			{Start: start, End: start.Add(2 * time.Second)},
			{Start: start.Add(4 * time.Second), End: start.Add(6 * time.Second)},
		},
		Transitions: []*models.Transition{{Type: "teleport", Duration: 1.0}},
	}
	assert.ErrorIs(t, validateCutRequest(row), errNonRetryable)
}

func TestValidateCutRequestRejectsNonPositiveDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	row := models.EventRow{
		Ranges: []models.Range{
			{Start: start, End: start.Add(2 * time.Second)},
			{Start: start.Add(4 * time.Second), End: start.Add(6 * time.Second)},
		},
		Transitions: []*models.Transition{{Type: "fade", Duration: 0}},
	}
	assert.ErrorIs(t, validateCutRequest(row), errNonRetryable)
}

func TestValidateCutRequestRejectsOverlapLongerThanAdjoiningRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	row := models.EventRow{
		Ranges: []models.Range{
			{Start: start, End: start.Add(2 * time.Second)},
			{Start: start.Add(4 * time.Second), End: start.Add(6 * time.Second)},
		},
		Transitions: []*models.Transition{{Type: "fade", Duration: 3.0}},
	}
	assert.ErrorIs(t, validateCutRequest(row), errNonRetryable)
}

// newRedisBackedCache starts an in-process redisstub server and returns a
// cutpipeline.Cache backed by it, so tests can prime a cache entry and
// actually have Get hit it (a nil-client Cache always misses).
func newRedisBackedCache(t *testing.T) *cutpipeline.Cache {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return cutpipeline.NewCache(client, time.Minute)
}

// testRowWithCache claims an EDITED row and primes the cutpipeline cache
// with a cache key matching what resolveInputs/process will compute, so
// process() can be driven end to end without invoking a real ffmpeg binary.
func testRowWithCache(t *testing.T, events storage.EventRepository, w *Worker, archiveStore *archive.Store, location string) models.EventRow {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	seg := writeSegment(t, archiveStore, "desertbus", "source", start, 2.0, []byte("aaaa"))

	require.NoError(t, events.Create(ctx, testRow("evt-1", location, start, start.Add(2*time.Second))))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{
		UploadLocation: location,
		Channel:        "desertbus",
		Quality:        "source",
		Ranges:         []models.Range{{Start: start, End: start.Add(2 * time.Second)}},
		CutType:        models.CutFast,
	})
	require.NoError(t, err)

	cacheKey := cutpipeline.Key(string(models.CutFast), []string{seg.Hash}, "", "")
	require.NoError(t, w.cfg.Cache.Set(ctx, cacheKey, []byte("cached cut bytes")))

	claimed, err := events.Claim(ctx, row.ID, "cutter-a")
	require.NoError(t, err)
	return claimed
}

func TestProcessAmbiguousCommitLeavesRowInFinalizing(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{})
	backend.commitErr = fmt.Errorf("commit upload: %w", errors.New("connection reset"))
	registry := upload.NewRegistry(backend)
	store := archive.New(t.TempDir())

	w := New(Config{Events: events, Archive: store, Uploads: registry, Cache: newRedisBackedCache(t)})
	row := testRowWithCache(t, events, w, store, "s3")

	require.NoError(t, w.process(ctx, row))

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinalizing, final.State, "ambiguous commit failure must not transition the row")
}

func TestProcessCommitNotCommittedReleasesToEdited(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{})
	backend.commitErr = fmt.Errorf("%w: status 400", upload.ErrCommitNotCommitted)
	registry := upload.NewRegistry(backend)
	store := archive.New(t.TempDir())

	w := New(Config{Events: events, Archive: store, Uploads: registry, Cache: newRedisBackedCache(t)})
	row := testRowWithCache(t, events, w, store, "s3")

	require.NoError(t, w.process(ctx, row))

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEdited, final.State)
}

func TestProcessCommitFailedReleasesToUnedited(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{})
	backend.commitErr = fmt.Errorf("%w: status 409", upload.ErrCommitFailed)
	registry := upload.NewRegistry(backend)
	store := archive.New(t.TempDir())

	w := New(Config{Events: events, Archive: store, Uploads: registry, Cache: newRedisBackedCache(t)})
	row := testRowWithCache(t, events, w, store, "s3")

	require.NoError(t, w.process(ctx, row))

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnedited, final.State)
}

func TestRunModificationOnceUpdatesMetadataAndCustomThumbnail(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{ModifyMetadata: true, SetThumbnail: true})
	registry := upload.NewRegistry(backend)

	require.NoError(t, events.Create(ctx, testRow("evt-1", "s3", time.Time{}, time.Time{})))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{
		UploadLocation: "s3",
		VideoTitle:     "original title",
		Thumbnail:      &models.ThumbnailSpec{Mode: models.ThumbnailCustom, CustomImage: []byte("png-bytes")},
	})
	require.NoError(t, err)
	_, err = events.Claim(ctx, row.ID, "cutter-a")
	require.NoError(t, err)
	require.NoError(t, events.MarkFinalizing(ctx, row.ID))
	require.NoError(t, events.FinalizeAccepted(ctx, row.ID, "vid-1", "https://example.com/vid-1", true))
	require.NoError(t, events.RequestModification(ctx, row.ID))

	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: registry})
	require.NoError(t, w.RunModificationOnce(ctx))

	assert.Equal(t, "original title", backend.metadata.Title)
	assert.Equal(t, 1, backend.metadataCalls)
	assert.Equal(t, []byte("png-bytes"), backend.thumbnail)

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, final.State)
}

func TestRunModificationOnceSkipsBackendsWithoutFullCapabilitySet(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{ModifyMetadata: false, SetThumbnail: true})
	registry := upload.NewRegistry(backend)

	require.NoError(t, events.Create(ctx, testRow("evt-1", "s3", time.Time{}, time.Time{})))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{UploadLocation: "s3"})
	require.NoError(t, err)
	_, err = events.Claim(ctx, row.ID, "cutter-a")
	require.NoError(t, err)
	require.NoError(t, events.MarkFinalizing(ctx, row.ID))
	require.NoError(t, events.FinalizeAccepted(ctx, row.ID, "vid-1", "https://example.com/vid-1", true))
	require.NoError(t, events.RequestModification(ctx, row.ID))

	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: registry})
	err = w.RunModificationOnce(ctx)
	assert.ErrorIs(t, err, ErrNoWork)
	assert.Equal(t, 0, backend.metadataCalls)
}

func TestSweepStaleClaimsReleasesOldClaims(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	require.NoError(t, events.Create(ctx, testRow("evt-1", "s3", time.Time{}, time.Time{})))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{UploadLocation: "s3"})
	require.NoError(t, err)
	_, err = events.Claim(ctx, row.ID, "cutter-a")
	require.NoError(t, err)

	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: upload.NewRegistry(), StaleClaimAfter: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	released, err := w.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEdited, final.State)
}

func TestPollTranscodingMarksDoneOnReadyStatus(t *testing.T) {
	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{})
	registry := upload.NewRegistry(backend)

	require.NoError(t, events.Create(ctx, testRow("evt-1", "s3", time.Time{}, time.Time{})))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{UploadLocation: "s3"})
	require.NoError(t, err)
	_, err = events.Claim(ctx, row.ID, "cutter-a")
	require.NoError(t, err)
	require.NoError(t, events.MarkFinalizing(ctx, row.ID))
	require.NoError(t, events.FinalizeAccepted(ctx, row.ID, "vid-1", "https://example.com/vid-1", false))

	backend.status = upload.StatusReady

	w := New(Config{Events: events, Archive: archive.New(t.TempDir()), Uploads: registry})
	require.NoError(t, w.PollTranscoding(ctx))

	final, err := events.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, final.State)
}

// TestProcessFastCutUploadsAndFinalizes drives RunOnce end to end against a
// real ffmpeg subprocess, the way cmd/transcoder's tests exercise ffmpeg:
// skipped when ffmpeg isn't on PATH or -short is set.
func TestProcessFastCutUploadsAndFinalizes(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires ffmpeg")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}

	dir := t.TempDir()
	store := archive.New(dir)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	sample := filepath.Join(dir, "sample.ts")
	generate := exec.Command("ffmpeg", "-y",
		"-f", "lavfi", "-i", "testsrc=size=160x120:rate=5",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100",
		"-shortest", "-t", "2",
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-c:a", "aac",
		"-f", "mpegts",
		sample,
	)
	out, err := generate.CombinedOutput()
	require.NoError(t, err, string(out))

	body, err := os.ReadFile(sample)
	require.NoError(t, err)

	seg := models.Segment{
		Channel: "desertbus", Quality: "source",
		Hour: segment.HourBucket(start), Start: start, Duration: 2.0,
		Type: models.SegmentFull, Hash: segment.HashContent(body),
	}
	require.NoError(t, store.Write(seg, bytes.NewReader(body)))

	ctx := context.Background()
	events := storage.NewMemory()
	backend := newFakeBackend("s3", upload.Capabilities{})
	backend.immediate = true
	registry := upload.NewRegistry(backend)

	require.NoError(t, events.Create(ctx, testRow("evt-1", "s3", start, start.Add(2*time.Second))))
	row, err := events.SubmitEdit(ctx, "evt-1", "alice", storage.EventEdit{
		UploadLocation: "s3",
		Channel:        "desertbus",
		Quality:        "source",
		Ranges:         []models.Range{{Start: start, End: start.Add(2 * time.Second)}},
		CutType:        models.CutFast,
	})
	require.NoError(t, err)
	_ = row

	w := New(Config{
		Events:       events,
		Archive:      store,
		Uploads:      registry,
		Cache:        cutpipeline.NewCache(nil, 0),
		FFmpegBinary: "ffmpeg",
	})
	require.NoError(t, w.RunOnce(ctx))

	final, err := events.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, final.State)
	assert.True(t, backend.committed)
	assert.NotEmpty(t, backend.uploaded.Bytes())
}
