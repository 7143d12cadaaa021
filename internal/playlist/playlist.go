// Package playlist synthesizes HLS media playlists over an arbitrary
// wall-clock range, entirely on the fly: Restreamer never persists a
// playlist file, it builds the text from a selection.Result on each
// request.
package playlist

import (
	"fmt"
	"math"
	"strings"

	"wubloader/internal/models"
	"wubloader/internal/selection"
)

// URLFunc renders the media URI for one selected segment.
type URLFunc func(models.Segment) string

// Synthesize renders an HLS media playlist (#EXTM3U) covering result's
// selected segments in order. Holes that were silently skipped (allow_holes)
// surface as #EXT-X-DISCONTINUITY markers, per spec.md §4.2: "clients treat
// holes as discontinuities."
func Synthesize(result selection.Result, urlFor URLFunc) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(result.Segments)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	var previousEnd *models.Segment
	for i := range result.Segments {
		seg := result.Segments[i]
		if previousEnd != nil && !previousEnd.End().Equal(seg.Start) {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%s,\n", formatExtinf(seg.Duration)))
		b.WriteString(urlFor(seg))
		b.WriteString("\n")
		previousEnd = &seg
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the ceiling of the longest segment's duration, the
// value EXT-X-TARGETDURATION requires.
func targetDuration(segments []models.Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	return int(math.Ceil(max))
}

func formatExtinf(seconds float64) string {
	return fmt.Sprintf("%.3f", seconds)
}
