// Package selection implements the segment-selection algorithm shared by
// Restreamer (playlist synthesis, cutting) and Segment-coverage (audit):
// given an ordered segment list and a requested wall-clock range, walk the
// list in ascending start order and deterministically pick the best
// segment covering each instant, reporting any holes left uncovered.
package selection

import (
	"time"

	"wubloader/internal/models"
)

// Result is the outcome of selecting segments covering [Start, End).
type Result struct {
	Segments []models.Segment
	Holes    []models.Range
}

// Covered reports whether the selection left no holes.
func (r Result) Covered() bool {
	return len(r.Holes) == 0
}

// Select walks segments (any order, any channel/quality mix is the
// caller's responsibility to have already filtered) and picks the
// sequence covering [start, end) per spec.md §4.2: when multiple segments
// cover the same instant, prefer full over suspect over partial, then
// longest coverage, then lowest hash. Any sub-interval left uncovered is
// reported as a hole.
func Select(segments []models.Segment, start, end time.Time) Result {
	candidates := make([]models.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.End().After(start) && seg.Start.Before(end) {
			candidates = append(candidates, seg)
		}
	}

	var result Result
	cursor := start
	for cursor.Before(end) {
		best, ok := bestCovering(candidates, cursor)
		if !ok {
			next, found := nextStartAfter(candidates, cursor)
			holeEnd := end
			if found && next.Before(end) {
				holeEnd = next
			}
			result.Holes = append(result.Holes, models.Range{Start: cursor, End: holeEnd})
			if !found {
				break
			}
			cursor = holeEnd
			continue
		}

		result.Segments = append(result.Segments, best)
		segEnd := best.End()
		if !segEnd.After(cursor) {
			// Defensive: a covering segment always ends after cursor; avoid
			// a stuck loop if that invariant is ever violated upstream.
			break
		}
		cursor = segEnd
	}

	return result
}

// bestCovering returns the highest-priority segment among candidates whose
// [start, end) contains instant t.
func bestCovering(candidates []models.Segment, t time.Time) (models.Segment, bool) {
	var best models.Segment
	found := false
	for _, seg := range candidates {
		if seg.Start.After(t) || !seg.End().After(t) {
			continue
		}
		if !found || preferred(seg, best) {
			best = seg
			found = true
		}
	}
	return best, found
}

// preferred reports whether a should be selected over b per the tie-break
// order: type priority, then longest coverage, then lowest hash.
func preferred(a, b models.Segment) bool {
	pa, pb := typePriority(a.Type), typePriority(b.Type)
	if pa != pb {
		return pa < pb
	}
	if a.Duration != b.Duration {
		return a.Duration > b.Duration
	}
	return a.Hash < b.Hash
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

// nextStartAfter returns the earliest candidate start strictly after t.
func nextStartAfter(candidates []models.Segment, t time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, seg := range candidates {
		if !seg.Start.After(t) {
			continue
		}
		if !found || seg.Start.Before(next) {
			next = seg.Start
			found = true
		}
	}
	return next, found
}
