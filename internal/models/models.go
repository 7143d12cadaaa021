// Package models defines the value types shared across Wubloader's
// components: segments and hour buckets on disk, event and node rows in the
// shared database, and the typed variants for cut requests, transitions, and
// upload-location configuration.
package models

import "time"

// SegmentType classifies how a segment was obtained.
type SegmentType string

const (
	SegmentFull    SegmentType = "full"
	SegmentSuspect SegmentType = "suspect"
	SegmentPartial SegmentType = "partial"
)

// Segment describes one content-addressed MPEG-TS file:
// CHANNEL/QUALITY/HOUR/MM-SS-DURATION-TYPE-HASH.ts
type Segment struct {
	Channel  string
	Quality  string
	Hour     string // wall-clock hour bucket, "YYYY-MM-DDTHH"
	Start    time.Time
	Duration float64 // seconds
	Type     SegmentType
	Hash     string // URL-safe base64 SHA-256 of the byte contents
}

// End returns the wall-clock instant this segment's coverage ends.
func (s Segment) End() time.Time {
	return s.Start.Add(durationSeconds(s.Duration))
}

func durationSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// Range is one (start, end) wall-clock span of a cut request.
type Range struct {
	Start time.Time
	End   time.Time
}

// Transition is a named filter applied over the overlap between two
// adjacent ranges in a cut request. A nil Transition is a hard cut.
type Transition struct {
	Type     string
	Duration float64 // seconds, overlap length
}

// Crop is an optional video crop rectangle, in pixels.
type Crop struct {
	X      int
	Y      int
	Width  int
	Height int
}

// CutType selects the cut pipeline.
type CutType string

const (
	CutFast  CutType = "fast"
	CutSmart CutType = "smart"
	CutFull  CutType = "full"
	CutWebm  CutType = "webm"
)

// ThumbnailMode selects how a cut's thumbnail is produced.
type ThumbnailMode string

const (
	ThumbnailNone     ThumbnailMode = "NONE"
	ThumbnailBare     ThumbnailMode = "BARE"
	ThumbnailTemplate ThumbnailMode = "TEMPLATE"
	ThumbnailCustom   ThumbnailMode = "CUSTOM"
)

// ThumbnailSpec describes how to render the thumbnail for a cut.
type ThumbnailSpec struct {
	Mode         ThumbnailMode
	Time         time.Time
	Crop         *Crop
	Location     string // named placement within a TEMPLATE image
	TemplateName string
	CustomImage  []byte // raw PNG bytes, only set when Mode == ThumbnailCustom
}

// EventState is one node of the cutter job state machine (spec.md §4.4).
type EventState string

const (
	StateUnedited   EventState = "UNEDITED"
	StateEdited     EventState = "EDITED"
	StateClaimed    EventState = "CLAIMED"
	StateFinalizing EventState = "FINALIZING"
	StateTranscoding EventState = "TRANSCODING"
	StateDone       EventState = "DONE"
	StateModified   EventState = "MODIFIED"
)

// EventRow is one row of the shared `events` table: one cut-and-upload job.
type EventRow struct {
	ID          string
	SheetName   string
	EventStart  *time.Time
	EventEnd    *time.Time
	Category    string
	Description string
	ImageLinks  []string
	Tags        []string

	// Edit inputs. Nil/empty while State == StateUnedited.
	Ranges        []Range
	Transitions   []*Transition
	Crop          *Crop
	VideoTitle    string
	VideoDesc     string
	VideoTags     []string
	Channel       string
	Quality       string
	Thumbnail     *ThumbnailSpec
	AllowHoles    bool
	Public        bool
	UploaderAllow []string // empty/nil means any cutter may claim

	UploadLocation string
	CutType        CutType

	State                 EventState
	Uploader               *string
	Error                  *string
	VideoID                *string
	VideoLink              *string
	Editor                 *string
	EditTime               *time.Time
	UploadTime             *time.Time
	LastModified           time.Time
	ThumbnailLastWritten   *string // SHA-256 of last uploaded image
}

// NodeRow is one row of the shared `nodes` table: a peer in the backfill mesh.
type NodeRow struct {
	Name         string
	URL          string
	BackfillFrom bool
	Local        bool // excluded from its own peer set
}

// CoverageSecond describes one 2-second slot of a segment-coverage audit
// image: whether it is covered, with what type, and whether more than one
// segment covers it.
type CoverageSecond struct {
	Offset    float64 // seconds from the start of the hour
	Covered   bool
	Type      SegmentType
	Duplicate bool
}
