package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
}

type memoryS3Request struct {
	Method        string
	Authorization string
	ContentSHA    string
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{objects: make(map[string]map[string][]byte)}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; !exists {
		m.objects[name] = make(map[string][]byte)
	}
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
	})
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseS3Path(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	return bucket, key, nil
}

func TestS3BackendCommitSignsAndStoresObject(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("vod")
	ts := httptest.NewServer(server)
	defer ts.Close()

	cfg := S3Config{
		Endpoint:       strings.TrimPrefix(ts.URL, "http://"),
		Region:         "us-east-1",
		AccessKey:      "AKIAEXAMPLE",
		SecretKey:      "secretKeyExample",
		Bucket:         "vod",
		Prefix:         "vod/assets",
		PublicEndpoint: "https://cdn.example.com/content",
		LocationName:   "s3-vod",
	}
	backend := NewS3Backend(cfg)

	ctx := context.Background()
	session, err := backend.Begin(ctx, Metadata{Title: "stream manifest"})
	require.NoError(t, err)

	payload := []byte("stream manifest data")
	require.NoError(t, backend.UploadChunk(ctx, session, payload))

	result, err := backend.Commit(ctx, session)
	require.NoError(t, err)
	require.Equal(t, StatusReady, result.Status)
	require.True(t, result.ImmediatelyPlayable)

	expectedKey := "vod/assets/cuts/stream-manifest.ts"
	stored, ok := server.getObject("vod", expectedKey)
	require.True(t, ok)
	require.True(t, bytes.Equal(stored, payload))

	req := server.lastRequest()
	require.Equal(t, http.MethodPut, req.Method)
	require.Contains(t, req.Authorization, cfg.AccessKey)
	require.NotEmpty(t, req.ContentSHA)
}

func TestS3BackendCommitClassifiesFailureStatusCodes(t *testing.T) {
	server := newMemoryS3Server()
	ts := httptest.NewServer(server)
	defer ts.Close()

	cfg := S3Config{
		Endpoint:     strings.TrimPrefix(ts.URL, "http://"),
		Region:       "us-east-1",
		AccessKey:    "AKIAEXAMPLE",
		SecretKey:    "secretKeyExample",
		Bucket:       "missing-bucket",
		Prefix:       "vod/assets",
		LocationName: "s3-vod",
	}
	backend := NewS3Backend(cfg)
	ctx := context.Background()

	session, err := backend.Begin(ctx, Metadata{Title: "clip"})
	require.NoError(t, err)
	require.NoError(t, backend.UploadChunk(ctx, session, []byte("data")))

	_, err = backend.Commit(ctx, session)
	require.ErrorIs(t, err, ErrCommitNotCommitted, "a 404 bucket-not-found means the object was never written, so retry is safe")
}

func TestS3BackendModifyMetadataUnsupported(t *testing.T) {
	backend := NewS3Backend(S3Config{LocationName: "s3-vod"})
	err := backend.ModifyMetadata(context.Background(), Session{ID: "x"}, Metadata{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestS3BackendCapabilitiesDeclareNoMetadataMutation(t *testing.T) {
	backend := NewS3Backend(S3Config{LocationName: "s3-vod"})
	caps := backend.Capabilities()
	require.False(t, caps.ModifyMetadata)
	require.True(t, caps.SetThumbnail)
}
