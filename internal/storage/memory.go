package storage

import (
	"context"
	"sync"
	"time"

	"wubloader/internal/models"
)

// Memory is an in-memory EventRepository/NodeRepository, for tests and for
// components that don't need a live Postgres.
type Memory struct {
	mu     sync.Mutex
	events map[string]models.EventRow
	nodes  map[string]models.NodeRow
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]models.EventRow),
		nodes:  make(map[string]models.NodeRow),
	}
}

func (m *Memory) Create(ctx context.Context, row models.EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[row.ID]; ok {
		return nil
	}
	if row.State == "" {
		row.State = models.StateUnedited
	}
	if row.CutType == "" {
		row.CutType = models.CutSmart
	}
	row.LastModified = time.Now().UTC()
	m.events[row.ID] = row
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (models.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return models.EventRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Memory) ListByState(ctx context.Context, state models.EventState) ([]models.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EventRow
	for _, row := range m.events {
		if row.State == state {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) SubmitEdit(ctx context.Context, id, editor string, edit EventEdit) (models.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return models.EventRow{}, ErrNotFound
	}
	if row.State != models.StateUnedited && row.State != models.StateModified {
		return models.EventRow{}, ErrClaimLost
	}

	row.Ranges = edit.Ranges
	row.Transitions = edit.Transitions
	row.Crop = edit.Crop
	row.VideoTitle = edit.VideoTitle
	row.VideoDesc = edit.VideoDesc
	row.VideoTags = edit.VideoTags
	row.Channel = edit.Channel
	row.Quality = edit.Quality
	row.Thumbnail = edit.Thumbnail
	row.AllowHoles = edit.AllowHoles
	row.Public = edit.Public
	row.UploaderAllow = edit.UploaderAllow
	row.UploadLocation = edit.UploadLocation
	row.CutType = edit.CutType
	if row.CutType == "" {
		row.CutType = models.CutSmart
	}
	row.State = models.StateEdited
	editorCopy := editor
	row.Editor = &editorCopy
	now := time.Now().UTC()
	row.EditTime = &now
	row.Error = nil
	row.LastModified = now

	m.events[id] = row
	return row, nil
}

func (m *Memory) CancelEdit(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateEdited {
		return ErrClaimLost
	}
	row.State = models.StateUnedited
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) Claim(ctx context.Context, id, uploader string) (models.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return models.EventRow{}, ErrNotFound
	}
	if row.State != models.StateEdited || row.Uploader != nil {
		return models.EventRow{}, ErrClaimLost
	}
	uploaderCopy := uploader
	row.Uploader = &uploaderCopy
	row.Error = nil
	row.State = models.StateClaimed
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return row, nil
}

func (m *Memory) Release(ctx context.Context, id string, to models.EventState, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateClaimed {
		return ErrClaimLost
	}
	row.State = to
	row.Error = errMsg
	if to == models.StateEdited {
		row.Uploader = nil
	}
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) MarkFinalizing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateClaimed {
		return ErrClaimLost
	}
	row.State = models.StateFinalizing
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) FinalizeFailed(ctx context.Context, id string, to models.EventState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateFinalizing {
		return ErrClaimLost
	}
	row.State = to
	row.Error = &errMsg
	if to == models.StateEdited {
		row.Uploader = nil
	}
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) FinalizeAccepted(ctx context.Context, id string, videoID, videoLink string, immediatelyPlayable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateFinalizing {
		return ErrClaimLost
	}
	row.VideoID = &videoID
	row.VideoLink = &videoLink
	now := time.Now().UTC()
	if immediatelyPlayable {
		row.State = models.StateDone
		row.UploadTime = &now
	} else {
		row.State = models.StateTranscoding
	}
	row.LastModified = now
	m.events[id] = row
	return nil
}

func (m *Memory) MarkDone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateTranscoding {
		return ErrClaimLost
	}
	row.State = models.StateDone
	now := time.Now().UTC()
	if row.UploadTime == nil {
		row.UploadTime = &now
	}
	row.LastModified = now
	m.events[id] = row
	return nil
}

func (m *Memory) RequestModification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateDone {
		return ErrClaimLost
	}
	row.State = models.StateModified
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) CompleteModification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != models.StateModified {
		return ErrClaimLost
	}
	row.State = models.StateDone
	row.LastModified = time.Now().UTC()
	m.events[id] = row
	return nil
}

func (m *Memory) StaleClaims(ctx context.Context, olderThan time.Duration) ([]models.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.EventRow
	for _, row := range m.events {
		if row.State == models.StateClaimed && row.LastModified.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Node registry.

func (m *Memory) List(ctx context.Context) ([]models.NodeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NodeRow
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, node models.NodeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.Name] = node
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, name)
	return nil
}
