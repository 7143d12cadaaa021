// Package coverage implements the Segment-coverage auditor (spec.md §4.5):
// for each (channel, quality, hour) in the local archive, it produces a
// 2-second-resolution map of which seconds are covered, with what segment
// type, and whether more than one segment covers the same second, rendered
// as a PNG plus an auto-refreshing HTML viewer. It reads the local archive
// only and has no database interaction.
package coverage

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"wubloader/internal/models"
	"wubloader/internal/segment"
)

// slotDuration is the audit resolution: one pixel/slot per 2 seconds.
const slotDuration = 2 * time.Second

// slotsPerHour is the fixed number of 2-second slots in one hour bucket.
const slotsPerHour = int(time.Hour / slotDuration)

// Audit classifies every 2-second slot of one hour bucket against the
// segments present for it, per spec.md §4.5. Segments are expected to
// already be filtered to a single (channel, quality, hour).
func Audit(hourStart time.Time, segments []models.Segment) []models.CoverageSecond {
	slots := make([]models.CoverageSecond, slotsPerHour)
	for i := range slots {
		slots[i] = models.CoverageSecond{Offset: float64(i) * slotDuration.Seconds()}
	}

	for _, seg := range segments {
		startOffset := seg.Start.Sub(hourStart).Seconds()
		endOffset := startOffset + seg.Duration
		firstSlot := int(startOffset / slotDuration.Seconds())
		lastSlot := int(endOffset / slotDuration.Seconds())
		if firstSlot < 0 {
			firstSlot = 0
		}
		if lastSlot > slotsPerHour {
			lastSlot = slotsPerHour
		}
		for i := firstSlot; i < lastSlot; i++ {
			if i < 0 || i >= slotsPerHour {
				continue
			}
			slot := slots[i]
			if slot.Covered {
				slot.Duplicate = true
				if typePriority(seg.Type) < typePriority(slot.Type) {
					slot.Type = seg.Type
				}
			} else {
				slot.Covered = true
				slot.Type = seg.Type
			}
			slots[i] = slot
		}
	}

	return slots
}

func typePriority(t models.SegmentType) int {
	switch t {
	case models.SegmentFull:
		return 0
	case models.SegmentSuspect:
		return 1
	case models.SegmentPartial:
		return 2
	default:
		return 3
	}
}

// Colors used for the rendered audit image: one pixel column per slot,
// colored by coverage state.
var (
	colorUncovered = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	colorFull      = color.RGBA{G: 0xc0, A: 0xff}
	colorSuspect   = color.RGBA{R: 0xe0, G: 0xa0, A: 0xff}
	colorPartial   = color.RGBA{R: 0xd0, G: 0x30, B: 0x30, A: 0xff}
	colorDuplicate = color.RGBA{R: 0xff, G: 0xff, B: 0x00, A: 0xff}
)

// RenderPNG draws one audit image for an hour: width == len(slots) pixels
// wide, a fixed height, one column per slot. Duplicate coverage overrides
// the type color so double-covered seconds are visually distinct.
func RenderPNG(slots []models.CoverageSecond) ([]byte, error) {
	const height = 16
	img := image.NewRGBA(image.Rect(0, 0, len(slots), height))
	for x, slot := range slots {
		c := colorFor(slot)
		for y := 0; y < height; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode coverage png: %w", err)
	}
	return buf.Bytes(), nil
}

func colorFor(slot models.CoverageSecond) color.Color {
	if !slot.Covered {
		return colorUncovered
	}
	if slot.Duplicate {
		return colorDuplicate
	}
	switch slot.Type {
	case models.SegmentFull:
		return colorFull
	case models.SegmentSuspect:
		return colorSuspect
	case models.SegmentPartial:
		return colorPartial
	default:
		return colorUncovered
	}
}

// HourKey identifies one audit's (channel, quality, hour) for filenames and
// viewer links.
type HourKey struct {
	Channel string
	Quality string
	Hour    string
}

// Filename renders the on-disk name of hk's audit PNG.
func (hk HourKey) Filename() string {
	return fmt.Sprintf("%s-%s-%s.png", hk.Channel, hk.Quality, hk.Hour)
}

// ParseHour resolves hk's hour bucket back to its start instant.
func (hk HourKey) ParseHour() (time.Time, error) {
	return segment.ParseHourBucket(hk.Hour)
}
