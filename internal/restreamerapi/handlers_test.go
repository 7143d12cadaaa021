package restreamerapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/archive"
	"wubloader/internal/models"
	"wubloader/internal/segment"
)

func newTestHandler(t *testing.T) (*Handler, *archive.Store) {
	t.Helper()
	store := archive.New(t.TempDir())
	return New(Handler{Archive: store}), store
}

func writeSeg(t *testing.T, store *archive.Store, start time.Time, duration float64, body []byte) models.Segment {
	t.Helper()
	seg := models.Segment{
		Channel:  "desertbus",
		Quality:  "source",
		Hour:     segment.HourBucket(start),
		Start:    start,
		Duration: duration,
		Type:     models.SegmentFull,
		Hash:     segment.HashContent(body),
	}
	require.NoError(t, store.Write(seg, bytes.NewReader(body)))
	return seg
}

func TestFilesListsQualitiesHoursAndSegments(t *testing.T) {
	h, store := newTestHandler(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	seg := writeSeg(t, store, start, 2.0, []byte("aaaa"))

	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/desertbus", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var qualities []string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &qualities))
	assert.Equal(t, []string{"source"}, qualities)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/desertbus/source", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var hours []string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hours))
	assert.Equal(t, []string{segment.HourBucket(start)}, hours)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/desertbus/source/"+segment.HourBucket(start), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &names))
	assert.Equal(t, []string{segment.Filename(seg)}, names)
}

func TestSegmentServesRawBytes(t *testing.T) {
	h, store := newTestHandler(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	body := []byte("segment-bytes")
	seg := writeSeg(t, store, start, 2.0, body)

	mux := http.NewServeMux()
	h.Register(mux)

	path := "/segments/desertbus/source/" + seg.Hour + "/" + segment.Filename(seg)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, body, rr.Body.Bytes())
	assert.Equal(t, "video/mp2t", rr.Header().Get("Content-Type"))
}

func TestSegmentNotFoundReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/segments/desertbus/source/2026-01-01T10/00-00-2.000-full-deadbeef.ts", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPlaylistSynthesizesM3U8OverFullRange(t *testing.T) {
	h, store := newTestHandler(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSeg(t, store, start, 2.0, []byte("aaaa"))
	writeSeg(t, store, start.Add(2*time.Second), 2.0, []byte("bbbb"))

	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/playlist/desertbus.m3u8?quality=source", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "#EXTM3U")
	assert.Contains(t, rr.Body.String(), "/segments/desertbus/source/")
}

func TestPlaylistRequiresQuality(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/playlist/desertbus.m3u8", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCutRejectsHoleWithoutAllowHoles(t *testing.T) {
	h, store := newTestHandler(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSeg(t, store, start, 2.0, []byte("aaaa"))

	mux := http.NewServeMux()
	h.Register(mux)

	rangeParam := start.Format(time.RFC3339Nano) + "," + start.Add(10*time.Second).Format(time.RFC3339Nano)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cut/desertbus/source.ts?range="+rangeParam+"&type=fast", nil)
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCutRejectsTransitionsOnFastType(t *testing.T) {
	h, store := newTestHandler(t)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	writeSeg(t, store, start, 2.0, []byte("aaaa"))
	writeSeg(t, store, start.Add(2*time.Second), 2.0, []byte("bbbb"))

	mux := http.NewServeMux()
	h.Register(mux)

	r1 := start.Format(time.RFC3339Nano) + "," + start.Add(1*time.Second).Format(time.RFC3339Nano)
	r2 := start.Add(2 * time.Second).Format(time.RFC3339Nano) + "," + start.Add(3*time.Second).Format(time.RFC3339Nano)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cut/desertbus/source.ts?range="+r1+"&range="+r2+"&transition=fade,0.5&type=fast", nil)
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFrameRequiresTimestamp(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/desertbus/source.png", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWaveformRejectsHoleRange(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rr := httptest.NewRecorder()
	path := "/waveform/desertbus/source.png?start=" + start.Format(time.RFC3339Nano) + "&end=" + start.Add(time.Second).Format(time.RFC3339Nano)
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
