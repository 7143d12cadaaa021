// Package upload implements the cutter's upload-backend capability set
// (spec.md §4.4, §9): begin/upload_chunk/commit/query_status/
// modify_metadata/set_thumbnail, with concrete variants per destination.
// The core only defines the contract; destinations register under a name
// matching an event row's upload_location.
package upload

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by a Backend method the backend's capability
// set doesn't include (spec.md §9's "operator error, reject at claim time").
var ErrUnsupported = errors.New("upload: capability not supported by this backend")

// ErrCommitNotCommitted marks a Commit failure the backend has confirmed,
// synchronously, did not take effect: nothing was published, so the row can
// safely retry from EDITED (spec.md §7's commit-failure handling).
var ErrCommitNotCommitted = errors.New("upload: backend confirmed the commit did not take effect")

// ErrCommitFailed marks a Commit failure the backend has confirmed is
// permanent: the request itself is unsatisfiable and retrying would only
// repeat the same rejection, so the row should fall back to UNEDITED.
var ErrCommitFailed = errors.New("upload: backend confirmed the commit failed permanently")

// Commit errors that are neither of the above are treated as ambiguous
// (spec.md §7's "Ambiguous commit"): the backend may or may not have
// actually committed, so the row must stay in FINALIZING rather than retry
// automatically, per §9's "commit is at-most-once by virtue of the
// FINALIZING state".

// Status is the remote processing state reported by query_status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
)

// Metadata is the set of fields a backend's commit/modify_metadata calls
// accept, drawn from an event row's edit inputs.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Public      bool
}

// Session is a single in-progress upload, returned by Begin.
type Session struct {
	ID string
}

// StatusResult is what query_status reports for a session.
type StatusResult struct {
	Status    Status
	VideoID   string
	VideoLink string
	// ImmediatelyPlayable is true when the backend finished post-processing
	// synchronously and the row may move straight to DONE (spec.md §4.4).
	ImmediatelyPlayable bool
}

// Backend is the polymorphic upload-destination contract. Not every backend
// implements every method; those that don't return ErrUnsupported.
type Backend interface {
	// Name identifies this backend, matched against an event row's
	// upload_location.
	Name() string

	// Capabilities reports which of the optional methods this backend
	// implements, for claim-time rejection of MODIFIED rows (spec.md §9).
	Capabilities() Capabilities

	// Begin starts a new upload for a piece of content described by meta.
	Begin(ctx context.Context, meta Metadata) (Session, error)
	// UploadChunk appends bytes to an in-progress session. Backends that
	// don't chunk may buffer internally and only send on Commit.
	UploadChunk(ctx context.Context, session Session, chunk []byte) error
	// Commit finalizes the session, returning the status as of the commit
	// call (a synchronous backend may return StatusReady immediately).
	Commit(ctx context.Context, session Session) (StatusResult, error)

	// QueryStatus polls a previously-committed session for a TRANSCODING row.
	QueryStatus(ctx context.Context, session Session) (StatusResult, error)
	// ModifyMetadata updates a published item's metadata in place.
	ModifyMetadata(ctx context.Context, session Session, meta Metadata) error
	// SetThumbnail replaces a published item's thumbnail image.
	SetThumbnail(ctx context.Context, session Session, image []byte, contentType string) error
}

// Capabilities flags which optional Backend methods are implemented.
// Begin/UploadChunk/Commit/QueryStatus are mandatory for every backend.
type Capabilities struct {
	ModifyMetadata bool
	SetThumbnail   bool
}

// Registry looks up a Backend by its upload_location name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a Registry from a set of backends, keyed by Name().
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Lookup returns the backend registered for location, or false if none.
func (r *Registry) Lookup(location string) (Backend, bool) {
	b, ok := r.backends[location]
	return b, ok
}

// SupportsModification reports whether location's backend declares
// modify_metadata and set_thumbnail, per spec.md §9's claim-time rejection
// of MODIFIED rows whose backend can't mutate published metadata.
func (r *Registry) SupportsModification(location string) bool {
	b, ok := r.backends[location]
	if !ok {
		return false
	}
	caps := b.Capabilities()
	return caps.ModifyMetadata && caps.SetThumbnail
}

// defaultPollInterval is how often query_status is re-polled while waiting
// for a backend's asynchronous post-processing to finish.
const defaultPollInterval = 10 * time.Second

// PollUntilReady polls QueryStatus on an interval until the backend reports
// StatusReady or StatusFailed, or ctx is cancelled.
func PollUntilReady(ctx context.Context, b Backend, session Session, interval time.Duration) (StatusResult, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := b.QueryStatus(ctx, session)
		if err != nil {
			return StatusResult{}, err
		}
		if result.Status == StatusReady || result.Status == StatusFailed {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return StatusResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
