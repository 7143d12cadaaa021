// Package segment implements Wubloader's content-addressed segment filename
// grammar: CHANNEL/QUALITY/HOUR/MM-SS-DURATION-TYPE-HASH.ts
package segment

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"wubloader/internal/models"
)

const hourLayout = "2006-01-02T15"

// HourBucket returns the wall-clock hour-bucket name ("YYYY-MM-DDTHH") for t,
// in UTC.
func HourBucket(t time.Time) string {
	return t.UTC().Format(hourLayout)
}

// ParseHourBucket parses an hour-bucket name back into the instant at the
// start of that hour, in UTC.
func ParseHourBucket(hour string) (time.Time, error) {
	t, err := time.Parse(hourLayout, hour)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hour bucket %q: %w", hour, err)
	}
	return t, nil
}

// HashContent computes the URL-safe base64 SHA-256 of the segment body, used
// as the filename's hash component and for peer hash verification.
func HashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// Filename renders a segment's basename: MM-SS-DURATION-TYPE-HASH.ts
func Filename(s models.Segment) string {
	minute := s.Start.UTC().Minute()
	second := s.Start.UTC().Second()
	return fmt.Sprintf("%02d-%02d-%s-%s-%s.ts",
		minute, second, formatDuration(s.Duration), s.Type, s.Hash)
}

// RelPath renders a segment's path relative to the archive base directory:
// CHANNEL/QUALITY/HOUR/MM-SS-DURATION-TYPE-HASH.ts
func RelPath(s models.Segment) string {
	return path.Join(s.Channel, s.Quality, s.Hour, Filename(s))
}

func formatDuration(seconds float64) string {
	// Trim trailing zeros but always keep at least one decimal digit, matching
	// the floating-point duration grammar in spec.md §3.
	formatted := strconv.FormatFloat(seconds, 'f', 3, 64)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimSuffix(formatted, ".")
	if !strings.Contains(formatted, ".") {
		formatted += ".0"
	}
	return formatted
}

// ParseFilename parses a segment basename (MM-SS-DURATION-TYPE-HASH.ts) given
// its channel, quality, and hour, reconstructing the full Segment value.
func ParseFilename(channel, quality, hour, filename string) (models.Segment, error) {
	name := strings.TrimSuffix(filename, ".ts")
	parts := strings.SplitN(name, "-", 4)
	if len(parts) != 4 {
		return models.Segment{}, fmt.Errorf("malformed segment filename %q", filename)
	}

	minute, err := strconv.Atoi(parts[0])
	if err != nil {
		return models.Segment{}, fmt.Errorf("malformed minute in %q: %w", filename, err)
	}
	second, err := strconv.Atoi(parts[1])
	if err != nil {
		return models.Segment{}, fmt.Errorf("malformed second in %q: %w", filename, err)
	}

	rest := parts[2] + "-" + parts[3]
	restParts := strings.SplitN(rest, "-", 3)
	if len(restParts) != 3 {
		return models.Segment{}, fmt.Errorf("malformed duration/type/hash in %q", filename)
	}
	duration, err := strconv.ParseFloat(restParts[0], 64)
	if err != nil {
		return models.Segment{}, fmt.Errorf("malformed duration in %q: %w", filename, err)
	}

	hourStart, err := ParseHourBucket(hour)
	if err != nil {
		return models.Segment{}, err
	}
	start := hourStart.Add(time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)

	return models.Segment{
		Channel:  channel,
		Quality:  quality,
		Hour:     hour,
		Start:    start,
		Duration: duration,
		Type:     models.SegmentType(restParts[1]),
		Hash:     restParts[2],
	}, nil
}

// Classify applies spec.md §4.1's classification rule: partial on truncated
// download, suspect on discontinuity/duration-mismatch, full otherwise.
func Classify(truncated, discontinuous bool, advertisedDuration, decodedDuration, epsilon float64) models.SegmentType {
	if truncated {
		return models.SegmentPartial
	}
	if discontinuous {
		return models.SegmentSuspect
	}
	if epsilon <= 0 {
		epsilon = 0.5
	}
	if diff := decodedDuration - advertisedDuration; diff > epsilon || diff < -epsilon {
		return models.SegmentSuspect
	}
	return models.SegmentFull
}
