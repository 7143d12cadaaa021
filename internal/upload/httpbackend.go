package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// HTTPConfig describes a plain-HTTP upload destination: begin/commit map
// onto POST requests against a single base URL (spec.md §9's "plain HTTP
// uploads" variant, distinct from the S3-style object-storage one).
type HTTPConfig struct {
	BaseURL      string
	Client       *http.Client
	LocationName string
}

// NewHTTPBackend builds a Backend that POSTs the assembled cut bytes to
// BaseURL on Commit, and supports metadata mutation and thumbnail
// replacement via further POSTs.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{cfg: cfg, client: client, sessions: make(map[string]*httpSession)}
}

type httpSession struct {
	meta Metadata
	body bytes.Buffer
}

// HTTPBackend is a Backend that proxies to a plain HTTP API implementing
// POST /uploads, POST /uploads/{id}/metadata, and POST /uploads/{id}/thumbnail.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client

	mu       sync.Mutex
	sessions map[string]*httpSession
	nextID   int
}

func (b *HTTPBackend) Name() string { return b.cfg.LocationName }

func (b *HTTPBackend) Capabilities() Capabilities {
	return Capabilities{ModifyMetadata: true, SetThumbnail: true}
}

func (b *HTTPBackend) Begin(ctx context.Context, meta Metadata) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	b.sessions[id] = &httpSession{meta: meta}
	return Session{ID: id}, nil
}

func (b *HTTPBackend) UploadChunk(ctx context.Context, session Session, chunk []byte) error {
	b.mu.Lock()
	s, ok := b.sessions[session.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload: unknown session %s", session.ID)
	}
	b.mu.Lock()
	_, err := s.body.Write(chunk)
	b.mu.Unlock()
	return err
}

func (b *HTTPBackend) Commit(ctx context.Context, session Session) (StatusResult, error) {
	b.mu.Lock()
	s, ok := b.sessions[session.ID]
	b.mu.Unlock()
	if !ok {
		return StatusResult{}, fmt.Errorf("upload: unknown session %s", session.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/uploads", bytes.NewReader(s.body.Bytes()))
	if err != nil {
		return StatusResult{}, err
	}
	req.Header.Set("Content-Type", "video/mp2t")
	req.Header.Set("X-Video-Title", s.meta.Title)
	resp, err := b.client.Do(req)
	if err != nil {
		// Lost connection: the backend may or may not have received and
		// processed the request. Left unwrapped/plain - ambiguous, not one of
		// the classified sentinels.
		return StatusResult{}, fmt.Errorf("commit upload: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// The backend has synchronously and definitively rejected this
		// commit (e.g. a duplicate); retrying would only repeat the rejection.
		return StatusResult{}, fmt.Errorf("%w: commit upload: status %d", ErrCommitFailed, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// A synchronous, clean rejection: the backend confirms nothing was
		// published, so the row can safely retry.
		return StatusResult{}, fmt.Errorf("%w: commit upload: status %d", ErrCommitNotCommitted, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Anything else outside 2xx (3xx, 5xx): the backend may have
		// partially processed the commit before responding. Left
		// unwrapped/plain - ambiguous.
		return StatusResult{}, fmt.Errorf("commit upload: unexpected status %d", resp.StatusCode)
	}
	videoID, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	id := string(videoID)
	return StatusResult{Status: StatusProcessing, VideoID: id, VideoLink: b.cfg.BaseURL + "/videos/" + id}, nil
}

func (b *HTTPBackend) QueryStatus(ctx context.Context, session Session) (StatusResult, error) {
	b.mu.Lock()
	_, ok := b.sessions[session.ID]
	b.mu.Unlock()
	if !ok {
		return StatusResult{}, fmt.Errorf("upload: unknown session %s", session.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/uploads/"+session.ID+"/status", nil)
	if err != nil {
		return StatusResult{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return StatusResult{Status: StatusReady, ImmediatelyPlayable: true}, nil
	case http.StatusAccepted:
		return StatusResult{Status: StatusProcessing}, nil
	default:
		return StatusResult{Status: StatusFailed}, fmt.Errorf("query status: unexpected status %d", resp.StatusCode)
	}
}

func (b *HTTPBackend) ModifyMetadata(ctx context.Context, session Session, meta Metadata) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/uploads/"+session.ID+"/metadata", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Video-Title", meta.Title)
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("modify metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("modify metadata: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) SetThumbnail(ctx context.Context, session Session, image []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/uploads/"+session.ID+"/thumbnail", bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("set thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("set thumbnail: unexpected status %d", resp.StatusCode)
	}
	return nil
}
