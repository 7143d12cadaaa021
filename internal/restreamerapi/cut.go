package restreamerapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wubloader/internal/archive"
	"wubloader/internal/cutpipeline"
	"wubloader/internal/models"
	"wubloader/internal/segment"
	"wubloader/internal/selection"
)

// parsedCutRequest holds a cut request's ranges and allow_holes flag
// alongside the partially-built cutpipeline.Request (Inputs populated once
// ranges are resolved against the archive).
type parsedCutRequest struct {
	ranges     []models.Range
	allowHoles bool
	cutRequest cutpipeline.Request
}

// parseCutRequest decodes a /cut request's query parameters per spec.md
// §4.2: one or more `range=start,end` pairs (RFC3339 timestamps), optional
// `transition=type,duration` pairs (exactly len(ranges)-1 of them), an
// optional `crop=x,y,w,h`, a `type` (defaulting to smart), and
// `allow_holes`.
func parseCutRequest(r *http.Request) (parsedCutRequest, error) {
	q := r.URL.Query()

	rawRanges := q["range"]
	if len(rawRanges) == 0 {
		return parsedCutRequest{}, fmt.Errorf("at least one range is required")
	}
	ranges := make([]models.Range, 0, len(rawRanges))
	for _, raw := range rawRanges {
		rng, err := parseRangeParam(raw)
		if err != nil {
			return parsedCutRequest{}, err
		}
		ranges = append(ranges, rng)
	}

	rawTransitions := q["transition"]
	var transitions []*models.Transition
	if len(rawTransitions) > 0 {
		if len(rawTransitions) != len(ranges)-1 {
			return parsedCutRequest{}, fmt.Errorf("expected %d transitions for %d ranges, got %d", len(ranges)-1, len(ranges), len(rawTransitions))
		}
		transitions = make([]*models.Transition, 0, len(rawTransitions))
		for _, raw := range rawTransitions {
			t, err := parseTransitionParam(raw)
			if err != nil {
				return parsedCutRequest{}, err
			}
			transitions = append(transitions, t)
		}
	}

	cutType := models.CutType(q.Get("type"))
	if cutType == "" {
		cutType = models.CutSmart
	}

	var crop *models.Crop
	if raw := q.Get("crop"); raw != "" {
		c, err := parseCropParam(raw)
		if err != nil {
			return parsedCutRequest{}, err
		}
		crop = c
	}

	allowHoles, err := parseBoolParam(q.Get("allow_holes"))
	if err != nil {
		return parsedCutRequest{}, err
	}

	if cutType == models.CutFast && len(transitions) > 0 {
		return parsedCutRequest{}, fmt.Errorf("fast cuts must be hard cuts: transitions not allowed")
	}

	return parsedCutRequest{
		ranges:     ranges,
		allowHoles: allowHoles,
		cutRequest: cutpipeline.Request{
			Type:        cutType,
			Transitions: transitions,
			Crop:        crop,
		},
	}, nil
}

func parseRangeParam(raw string) (models.Range, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return models.Range{}, fmt.Errorf("invalid range %q, expected start,end", raw)
	}
	start, err := parseTime(parts[0])
	if err != nil {
		return models.Range{}, fmt.Errorf("invalid range start: %w", err)
	}
	end, err := parseTime(parts[1])
	if err != nil {
		return models.Range{}, fmt.Errorf("invalid range end: %w", err)
	}
	if !end.After(start) {
		return models.Range{}, fmt.Errorf("range end must be after start")
	}
	return models.Range{Start: start, End: end}, nil
}

func parseTransitionParam(raw string) (*models.Transition, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid transition %q, expected type,duration", raw)
	}
	duration, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid transition duration in %q: %w", raw, err)
	}
	if duration < 0 {
		return nil, fmt.Errorf("transition duration must be non-negative")
	}
	return &models.Transition{Type: parts[0], Duration: duration}, nil
}

func parseCropParam(raw string) (*models.Crop, error) {
	parts := strings.SplitN(raw, ",", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid crop %q, expected x,y,w,h", raw)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid crop value in %q: %w", raw, err)
		}
		vals[i] = v
	}
	return &models.Crop{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

func parseBoolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q: %w", raw, err)
	}
	return v, nil
}

// resolveInputs selects segments covering each requested range and turns
// them into cutpipeline.Inputs, clipped to the range's exact endpoints.
// Mirrors internal/cutter's resolveInputs, adapted for plain HTTP errors
// instead of the job state machine's retryable/non-retryable distinction.
func resolveInputs(store *archive.Store, allSegs []models.Segment, ranges []models.Range, allowHoles bool) ([]cutpipeline.Input, []string, error) {
	var inputs []cutpipeline.Input
	var hashes []string

	for _, rng := range ranges {
		result := selection.Select(allSegs, rng.Start, rng.End)
		if !result.Covered() && !allowHoles {
			return nil, nil, fmt.Errorf("range %s-%s has holes", rng.Start, rng.End)
		}

		for _, seg := range result.Segments {
			clipStart := 0.0
			if rng.Start.After(seg.Start) {
				clipStart = rng.Start.Sub(seg.Start).Seconds()
			}
			clipEnd := seg.Duration
			if rng.End.Before(seg.End()) {
				clipEnd = rng.End.Sub(seg.Start).Seconds()
			}
			duration := clipEnd - clipStart
			if clipStart == 0 && clipEnd == seg.Duration {
				// Whole segment, nothing to trim: leave Duration at its
				// "to end of file" zero value so buildSmart sees it needs no
				// trimming (and takes the fast concat path when no input does).
				duration = 0
			}
			inputs = append(inputs, cutpipeline.Input{
				Path:     store.Path(seg),
				Start:    clipStart,
				Duration: duration,
			})
			hashes = append(hashes, seg.Hash)
		}
	}

	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("no segments resolved for any requested range")
	}
	return inputs, hashes, nil
}

// parseSegmentFromListing resolves a filename within a known hour bucket
// back into a models.Segment, so Open can be handed a fully-populated
// struct even though the request only carries the filename.
func parseSegmentFromListing(store *archive.Store, channel, quality, hour, filename string) (models.Segment, error) {
	if !strings.HasSuffix(filename, ".ts") {
		return models.Segment{}, fmt.Errorf("not a segment file: %s", filename)
	}
	seg, err := segment.ParseFilename(channel, quality, hour, filename)
	if err != nil {
		return models.Segment{}, fmt.Errorf("parse filename %s: %w", filename, err)
	}
	if !store.Has(seg) {
		return models.Segment{}, fmt.Errorf("segment not found: %s", filename)
	}
	return seg, nil
}

func mustReadAll(r io.Reader) []byte {
	body, _ := io.ReadAll(r)
	return body
}

// cachingWriter forwards every write to the underlying ResponseWriter while
// buffering a copy, so full/webm cuts can be memoized in cutpipeline.Cache
// after streaming completes without holding the whole output in memory
// before the client sees any of it.
type cachingWriter struct {
	w   http.ResponseWriter
	buf bytes.Buffer
}

func newCachingWriter(w http.ResponseWriter) *cachingWriter {
	return &cachingWriter{w: w}
}

func (c *cachingWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.w.Write(p)
}
