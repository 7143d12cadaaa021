// Package restreamerapi implements the Restreamer component's public HTTP
// contract (spec.md §4.2, §6): listing the local archive, fetching raw
// segments, synthesizing HLS playlists and cuts on demand, and serving
// single-frame and waveform stills. Restreamer is fully stateless with
// respect to the database; it knows only about files on disk.
package restreamerapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wubloader/internal/archive"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/frame"
	"wubloader/internal/httpapi"
	"wubloader/internal/models"
	"wubloader/internal/observability/metrics"
	"wubloader/internal/playlist"
	"wubloader/internal/segment"
	"wubloader/internal/selection"
)

// Handler aggregates the dependencies behind Restreamer's functional routes.
type Handler struct {
	Archive      *archive.Store
	FFmpegBinary string
	Cache        *cutpipeline.Cache
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
}

// New constructs a Handler, applying defaults for optional fields.
func New(h Handler) *Handler {
	if h.FFmpegBinary == "" {
		h.FFmpegBinary = "ffmpeg"
	}
	if h.Cache == nil {
		h.Cache = cutpipeline.NewCache(nil, 0)
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Recorder == nil {
		h.Recorder = metrics.Default()
	}
	return &h
}

// Register installs Restreamer's routes on mux, for use as an
// internal/httpserver.Config.Register callback.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/files/", h.Files)
	mux.HandleFunc("/segments/", h.Segment)
	mux.HandleFunc("/playlist/", h.Playlist)
	mux.HandleFunc("/cut/", h.Cut)
	mux.HandleFunc("/frame/", h.Frame)
	mux.HandleFunc("/waveform/", h.Waveform)
}

// Files serves /files/{channel}, /files/{channel}/{quality}, and
// /files/{channel}/{quality}/{hour} — the three listing operations of
// spec.md §4.2's public contract, disambiguated by path depth.
func (h *Handler) Files(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/files/")
	switch len(parts) {
	case 1:
		qualities, err := h.Archive.Qualities(parts[0])
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, qualities)
	case 2:
		hours, err := h.Archive.Hours(parts[0], parts[1])
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, hours)
	case 3:
		segs, err := h.Archive.Segments(parts[0], parts[1], parts[2])
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		names := make([]string, 0, len(segs))
		for _, s := range segs {
			names = append(names, filenameOf(s))
		}
		httpapi.WriteJSON(w, http.StatusOK, names)
	default:
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("unrecognized path"))
	}
}

// Segment serves /segments/{channel}/{quality}/{hour}/{filename}: the raw
// bytes of one content-addressed segment file.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/segments/")
	if len(parts) != 4 {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("expected /segments/{channel}/{quality}/{hour}/{filename}"))
		return
	}
	channel, quality, hour, filename := parts[0], parts[1], parts[2], parts[3]

	seg, err := parseSegmentFromListing(h.Archive, channel, quality, hour, filename)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, err)
		return
	}

	body, err := h.Archive.Open(seg)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "video/mp2t")
	_, _ = w.Write(mustReadAll(body))
}

// Playlist serves /playlist/{channel}.m3u8?quality=&start=&end=: an HLS
// media playlist synthesized on the fly over the requested wall-clock
// range (the full archive range if start/end are omitted).
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/playlist/")
	if len(parts) != 1 || !strings.HasSuffix(parts[0], ".m3u8") {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("expected /playlist/{channel}.m3u8"))
		return
	}
	channel := strings.TrimSuffix(parts[0], ".m3u8")
	quality := r.URL.Query().Get("quality")
	if quality == "" {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("quality is required"))
		return
	}

	allSegs, err := h.allSegments(channel, quality)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	start, end, ok := h.parseRangeOrFull(w, r, allSegs)
	if !ok {
		return
	}

	result := selection.Select(allSegs, start, end)
	body := playlist.Synthesize(result, func(seg models.Segment) string {
		return fmt.Sprintf("/segments/%s/%s/%s/%s", seg.Channel, seg.Quality, seg.Hour, filenameOf(seg))
	})

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(body))
}

// Cut serves /cut/{channel}/{quality}.ts?range=start,end&transition=type,duration
// &type=smart|fast|full|webm&allow_holes=bool — one or more ranges
// concatenated (with optional transitions between them) into a single cut
// video, per spec.md §4.2's cut-type semantics.
func (h *Handler) Cut(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/cut/")
	if len(parts) != 2 {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("expected /cut/{channel}/{quality}.ts"))
		return
	}
	channel := parts[0]
	ext := extensionOf(parts[1])
	quality := strings.TrimSuffix(parts[1], ext)

	req, err := parseCutRequest(r)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}

	allSegs, err := h.allSegments(channel, quality)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	start := time.Now()
	inputs, hashes, err := resolveInputs(h.Archive, allSegs, req.ranges, req.allowHoles)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}
	req.cutRequest.Inputs = inputs

	cacheKey := cutpipeline.Key(string(req.cutRequest.Type), hashes, transitionDescr(req.cutRequest.Transitions), cropDescr(req.cutRequest.Crop))
	if cached, ok := h.Cache.Get(r.Context(), cacheKey); ok {
		w.Header().Set("Content-Type", mimeFor(req.cutRequest.Type))
		_, _ = w.Write(cached)
		h.Recorder.ObserveCut(string(req.cutRequest.Type), time.Since(start))
		return
	}

	plan, err := cutpipeline.Build(h.FFmpegBinary, req.cutRequest)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}
	defer plan.Cleanup()

	w.Header().Set("Content-Type", plan.OutputMime)
	cached := newCachingWriter(w)
	if err := cutpipeline.Run(r.Context(), plan, cached, h.Logger); err != nil {
		h.Logger.Error("cut failed", "channel", channel, "quality", quality, "error", err)
		return
	}
	if req.cutRequest.Type == models.CutFull || req.cutRequest.Type == models.CutWebm {
		_ = h.Cache.Set(r.Context(), cacheKey, cached.buf.Bytes())
	}
	h.Recorder.ObserveCut(string(req.cutRequest.Type), time.Since(start))
}

// Frame serves /frame/{channel}/{quality}.png?timestamp=: a single decoded
// still at the requested wall-clock instant.
func (h *Handler) Frame(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/frame/")
	if len(parts) != 2 {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("expected /frame/{channel}/{quality}.png"))
		return
	}
	channel := parts[0]
	quality := strings.TrimSuffix(parts[1], ".png")

	ts, err := parseTime(r.URL.Query().Get("timestamp"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}

	allSegs, err := h.allSegments(channel, quality)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	seg, offset, ok := segmentCovering(allSegs, ts)
	if !ok {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("no segment covers timestamp %s", ts))
		return
	}

	png, err := frame.Extract(r.Context(), h.FFmpegBinary, frame.ExtractRequest{
		InputPath: h.Archive.Path(seg),
		Offset:    offset,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// Waveform serves /waveform/{channel}/{quality}.png?start=&end=&size=WxH.
func (h *Handler) Waveform(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/waveform/")
	if len(parts) != 2 {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("expected /waveform/{channel}/{quality}.png"))
		return
	}
	channel := parts[0]
	quality := strings.TrimSuffix(parts[1], ".png")

	start, err := parseTime(r.URL.Query().Get("start"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseTime(r.URL.Query().Get("end"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}
	width, height, err := parseSize(r.URL.Query().Get("size"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}

	allSegs, err := h.allSegments(channel, quality)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	result := selection.Select(allSegs, start, end)
	if !result.Covered() || len(result.Segments) == 0 {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("range %s-%s has holes", start, end))
		return
	}
	// Waveforms render over the first selected segment's span; a request
	// spanning multiple segments renders the first one, matching the
	// single-input scope frame extraction already has.
	seg := result.Segments[0]
	png, err := frame.Waveform(r.Context(), h.FFmpegBinary, frame.WaveformRequest{
		InputPath: h.Archive.Path(seg),
		Start:     0,
		Duration:  seg.Duration,
		Width:     width,
		Height:    height,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (h *Handler) allSegments(channel, quality string) ([]models.Segment, error) {
	hours, err := h.Archive.Hours(channel, quality)
	if err != nil {
		return nil, fmt.Errorf("list hours: %w", err)
	}
	var all []models.Segment
	for _, hour := range hours {
		segs, err := h.Archive.Segments(channel, quality, hour)
		if err != nil {
			return nil, fmt.Errorf("list segments for hour %s: %w", hour, err)
		}
		all = append(all, segs...)
	}
	return all, nil
}

// parseRangeOrFull returns the requested [start, end), defaulting to the
// span of the earliest and latest known segment when start/end are omitted.
func (h *Handler) parseRangeOrFull(w http.ResponseWriter, r *http.Request, allSegs []models.Segment) (time.Time, time.Time, bool) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		if len(allSegs) == 0 {
			httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("no segments available"))
			return time.Time{}, time.Time{}, false
		}
		earliest, latest := allSegs[0].Start, allSegs[0].End()
		for _, s := range allSegs[1:] {
			if s.Start.Before(earliest) {
				earliest = s.Start
			}
			if s.End().After(latest) {
				latest = s.End()
			}
		}
		if startStr == "" {
			startStr = earliest.Format(time.RFC3339Nano)
		}
		if endStr == "" {
			endStr = latest.Format(time.RFC3339Nano)
		}
	}

	start, err := parseTime(startStr)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return time.Time{}, time.Time{}, false
	}
	end, err := parseTime(endStr)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func pathParts(urlPath, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(urlPath, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseSize(s string) (int, int, error) {
	if s == "" {
		return 800, 200, nil
	}
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in size %q: %w", s, err)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in size %q: %w", s, err)
	}
	return width, height, nil
}

func segmentCovering(segs []models.Segment, ts time.Time) (models.Segment, float64, bool) {
	result := selection.Select(segs, ts, ts.Add(time.Nanosecond))
	if len(result.Segments) == 0 {
		return models.Segment{}, 0, false
	}
	seg := result.Segments[0]
	offset := ts.Sub(seg.Start).Seconds()
	if offset < 0 {
		offset = 0
	}
	return seg, offset, true
}

func filenameOf(s models.Segment) string {
	return segment.Filename(s)
}

func extensionOf(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i:]
	}
	return ""
}

func mimeFor(cutType models.CutType) string {
	if cutType == models.CutWebm {
		return "video/webm"
	}
	return "video/mp2t"
}

func transitionDescr(transitions []*models.Transition) string {
	var b strings.Builder
	for _, t := range transitions {
		if t == nil {
			b.WriteString("null;")
			continue
		}
		fmt.Fprintf(&b, "%s:%f;", t.Type, t.Duration)
	}
	return b.String()
}

func cropDescr(crop *models.Crop) string {
	if crop == nil {
		return ""
	}
	return fmt.Sprintf("%d,%d,%d,%d", crop.X, crop.Y, crop.Width, crop.Height)
}
