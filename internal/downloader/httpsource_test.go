package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollResolvesSourceQualityAndParsesSegments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000,NAME=\"low\"\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=5000000,NAME=\"source\"\nsource.m3u8\n")
	})
	mux.HandleFunc("/source.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-PROGRAM-DATE-TIME:2024-03-05T14:00:00Z\n#EXTINF:2.0,\nseg1.ts\n#EXT-X-DISCONTINUITY\n#EXTINF:2.0,\nseg2.ts\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := NewHTTPSource(srv.URL+"/master.m3u8", srv.Client())
	segs, err := source.Poll(context.Background(), "desertbus", "source")
	require.NoError(t, err)
	require.Len(t, segs, 2)

	start, _ := time.Parse(time.RFC3339, "2024-03-05T14:00:00Z")
	assert.Equal(t, srv.URL+"/seg1.ts", segs[0].URL)
	assert.True(t, segs[0].Start.Equal(start))
	assert.False(t, segs[0].Discontinuous)

	assert.Equal(t, srv.URL+"/seg2.ts", segs[1].URL)
	assert.True(t, segs[1].Start.Equal(start.Add(2*time.Second)))
	assert.True(t, segs[1].Discontinuous)
}

func TestPollSelectsNamedQualityVariant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000,NAME=\"480p\"\n480p.m3u8\n")
	})
	mux.HandleFunc("/480p.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-PROGRAM-DATE-TIME:2024-03-05T14:00:00Z\n#EXTINF:2.0,\nseg1.ts\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := NewHTTPSource(srv.URL+"/master.m3u8", srv.Client())
	segs, err := source.Poll(context.Background(), "desertbus", "480p")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, srv.URL+"/seg1.ts", segs[0].URL)
}

func TestPollErrorsWhenQualityMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000,NAME=\"480p\"\n480p.m3u8\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := NewHTTPSource(srv.URL+"/master.m3u8", srv.Client())
	_, err := source.Poll(context.Background(), "desertbus", "1080p")
	assert.Error(t, err)
}
