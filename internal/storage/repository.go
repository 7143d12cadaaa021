// Package storage implements the shared database backing the cut-job
// state machine (spec.md §4.4) and the peer/node registry (§4.3): the
// `events` and `nodes` tables, reachable over Postgres in production and
// via an in-memory implementation in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"wubloader/internal/models"
)

// ErrNotFound is returned when an event or node row doesn't exist.
var ErrNotFound = errors.New("storage: not found")

// ErrClaimLost is returned by Claim when another cutter won the race: the
// WHERE clause matched zero rows because the row's state or uploader had
// already changed.
var ErrClaimLost = errors.New("storage: claim lost")

// EventEdit carries the fields an editor submits when moving a row out of
// UNEDITED (or resubmitting over MODIFIED), per spec.md §3's edit inputs.
type EventEdit struct {
	Ranges         []models.Range
	Transitions    []*models.Transition
	Crop           *models.Crop
	VideoTitle     string
	VideoDesc      string
	VideoTags      []string
	Channel        string
	Quality        string
	Thumbnail      *models.ThumbnailSpec
	AllowHoles     bool
	Public         bool
	UploaderAllow  []string
	UploadLocation string
	CutType        models.CutType
}

// EventRepository owns the cut-job state machine (spec.md §4.4).
type EventRepository interface {
	// Create inserts a new row, for use by the sheet-sync shim (external,
	// out of scope).
	Create(ctx context.Context, row models.EventRow) error
	Get(ctx context.Context, id string) (models.EventRow, error)
	ListByState(ctx context.Context, state models.EventState) ([]models.EventRow, error)

	// SubmitEdit moves a row UNEDITED->EDITED (or MODIFIED resubmission),
	// recording the editor's inputs and edit time.
	SubmitEdit(ctx context.Context, id, editor string, edit EventEdit) (models.EventRow, error)
	// CancelEdit moves a row EDITED->UNEDITED before any cutter has claimed it.
	CancelEdit(ctx context.Context, id string) error

	// Claim atomically moves a row EDITED->CLAIMED, setting uploader and
	// clearing error, iff it is still EDITED with no uploader. Returns
	// ErrClaimLost if another cutter won the race.
	Claim(ctx context.Context, id, uploader string) (models.EventRow, error)
	// Release moves a CLAIMED row back to EDITED (retryable failure) or
	// UNEDITED (non-retryable, errMsg populated). Moving to EDITED clears
	// uploader so the row can be claimed again; UNEDITED keeps it.
	Release(ctx context.Context, id string, to models.EventState, errMsg *string) error

	// MarkFinalizing moves CLAIMED->FINALIZING once cut bytes are fully
	// written to the upload backend.
	MarkFinalizing(ctx context.Context, id string) error
	// FinalizeFailed moves FINALIZING back to EDITED (backend confirms nothing
	// was published: safe retry, uploader cleared) or UNEDITED (backend
	// confirms a permanent rejection). A commit of unknown outcome is not
	// passed here; the cutter leaves that row in FINALIZING.
	FinalizeFailed(ctx context.Context, id string, to models.EventState, errMsg string) error
	// FinalizeAccepted moves FINALIZING->TRANSCODING or FINALIZING->DONE
	// depending on whether the backend already has a playable artifact.
	FinalizeAccepted(ctx context.Context, id string, videoID, videoLink string, immediatelyPlayable bool) error
	// MarkDone moves TRANSCODING->DONE once the backend finishes post-processing.
	MarkDone(ctx context.Context, id string) error

	// RequestModification moves DONE->MODIFIED for a metadata-only change.
	RequestModification(ctx context.Context, id string) error
	// CompleteModification moves MODIFIED->DONE once the metadata change is applied.
	CompleteModification(ctx context.Context, id string) error

	// StaleClaims returns CLAIMED rows whose LastModified is older than
	// olderThan, candidates for the stale-claim sweep.
	StaleClaims(ctx context.Context, olderThan time.Duration) ([]models.EventRow, error)
}

// NodeRepository owns the peer registry (spec.md §4.3).
type NodeRepository interface {
	List(ctx context.Context) ([]models.NodeRow, error)
	Upsert(ctx context.Context, node models.NodeRow) error
	Delete(ctx context.Context, name string) error
}
