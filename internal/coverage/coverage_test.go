package coverage

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wubloader/internal/models"
)

func TestAuditMarksCoveredAndUncoveredSlots(t *testing.T) {
	hourStart := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	segs := []models.Segment{
		{Start: hourStart, Duration: 4, Type: models.SegmentFull},
	}

	slots := Audit(hourStart, segs)
	require.Len(t, slots, slotsPerHour)

	assert.True(t, slots[0].Covered)
	assert.Equal(t, models.SegmentFull, slots[0].Type)
	assert.True(t, slots[1].Covered)
	assert.False(t, slots[2].Covered)
}

func TestAuditMarksDuplicateAndPrefersFullType(t *testing.T) {
	hourStart := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	segs := []models.Segment{
		{Start: hourStart, Duration: 2, Type: models.SegmentSuspect},
		{Start: hourStart, Duration: 2, Type: models.SegmentFull},
	}

	slots := Audit(hourStart, segs)
	assert.True(t, slots[0].Covered)
	assert.True(t, slots[0].Duplicate)
	assert.Equal(t, models.SegmentFull, slots[0].Type)
}

func TestAuditIgnoresSegmentsOutsideTheHour(t *testing.T) {
	hourStart := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	segs := []models.Segment{
		{Start: hourStart.Add(-time.Minute), Duration: 2, Type: models.SegmentFull},
	}
	slots := Audit(hourStart, segs)
	for _, s := range slots[:5] {
		assert.False(t, s.Covered)
	}
}

func TestRenderPNGProducesOnePixelColumnPerSlot(t *testing.T) {
	hourStart := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	slots := Audit(hourStart, []models.Segment{{Start: hourStart, Duration: 2, Type: models.SegmentFull}})

	out, err := RenderPNG(slots)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, slotsPerHour, img.Bounds().Dx())
}

func TestHourKeyFilenameAndParseHourRoundTrip(t *testing.T) {
	k := HourKey{Channel: "desertbus", Quality: "source", Hour: "2026-01-01T10"}
	assert.Equal(t, "desertbus-source-2026-01-01T10.png", k.Filename())

	start, err := k.ParseHour()
	require.NoError(t, err)
	assert.Equal(t, 2026, start.Year())
	assert.Equal(t, 10, start.Hour())
}
