package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/models"
)

func seg(startOffset, duration float64, typ models.SegmentType, hash string) models.Segment {
	base, _ := time.Parse(time.RFC3339, "2024-03-05T14:00:00Z")
	return models.Segment{
		Channel:  "desertbus",
		Quality:  "source",
		Hour:     "2024-03-05T14",
		Start:    base.Add(time.Duration(startOffset * float64(time.Second))),
		Duration: duration,
		Type:     typ,
		Hash:     hash,
	}
}

func TestSelectFullCoverageNoHoles(t *testing.T) {
	segments := []models.Segment{
		seg(0, 2, models.SegmentFull, "a"),
		seg(2, 2, models.SegmentFull, "b"),
		seg(4, 2, models.SegmentFull, "c"),
	}
	start := segments[0].Start
	end := segments[2].End()

	result := Select(segments, start, end)
	require.True(t, result.Covered())
	require.Len(t, result.Segments, 3)
	assert.Equal(t, "a", result.Segments[0].Hash)
	assert.Equal(t, "b", result.Segments[1].Hash)
	assert.Equal(t, "c", result.Segments[2].Hash)
}

func TestSelectPrefersFullOverSuspectOverPartial(t *testing.T) {
	segments := []models.Segment{
		seg(0, 2, models.SegmentPartial, "p"),
		seg(0, 2, models.SegmentSuspect, "s"),
		seg(0, 2, models.SegmentFull, "f"),
	}
	result := Select(segments, segments[0].Start, segments[0].End())
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "f", result.Segments[0].Hash)
}

func TestSelectPrefersLongestCoverageThenLowestHash(t *testing.T) {
	base := seg(0, 2, models.SegmentFull, "zzz")
	longer := seg(0, 3, models.SegmentFull, "aaa")
	segments := []models.Segment{base, longer}

	result := Select(segments, base.Start, longer.End())
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "aaa", result.Segments[0].Hash)

	// Equal duration: lowest hash wins.
	tie1 := seg(0, 2, models.SegmentFull, "bbb")
	tie2 := seg(0, 2, models.SegmentFull, "aaa")
	result2 := Select([]models.Segment{tie1, tie2}, tie1.Start, tie1.End())
	require.Len(t, result2.Segments, 1)
	assert.Equal(t, "aaa", result2.Segments[0].Hash)
}

func TestSelectReportsHoleInMiddle(t *testing.T) {
	segments := []models.Segment{
		seg(0, 2, models.SegmentFull, "a"),
		seg(4, 2, models.SegmentFull, "c"), // gap [2,4)
	}
	start := segments[0].Start
	end := segments[1].End()

	result := Select(segments, start, end)
	require.False(t, result.Covered())
	require.Len(t, result.Holes, 1)
	assert.True(t, result.Holes[0].Start.Equal(segments[0].End()))
	assert.True(t, result.Holes[0].End.Equal(segments[1].Start))
	require.Len(t, result.Segments, 2)
}

func TestSelectReportsHoleAtEndWhenNoMoreSegments(t *testing.T) {
	segments := []models.Segment{
		seg(0, 2, models.SegmentFull, "a"),
	}
	start := segments[0].Start
	end := start.Add(5 * time.Second)

	result := Select(segments, start, end)
	require.False(t, result.Covered())
	require.Len(t, result.Holes, 1)
	assert.True(t, result.Holes[0].Start.Equal(segments[0].End()))
	assert.True(t, result.Holes[0].End.Equal(end))
}

func TestSelectEmptyArchiveIsOneHole(t *testing.T) {
	start, _ := time.Parse(time.RFC3339, "2024-03-05T14:00:00Z")
	end := start.Add(10 * time.Second)

	result := Select(nil, start, end)
	require.False(t, result.Covered())
	require.Len(t, result.Holes, 1)
	assert.True(t, result.Holes[0].Start.Equal(start))
	assert.True(t, result.Holes[0].End.Equal(end))
}
