package upload

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// S3Config describes a SigV4-signed, S3-compatible object-storage upload
// destination (the object-storage variant; HTTPBackend is the plain HTTP
// uploads one).
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
	// LocationName is this backend's upload_location identifier.
	LocationName string
}

const defaultS3RequestTimeout = 30 * time.Second

func (cfg S3Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultS3RequestTimeout
	}
	return cfg.RequestTimeout
}

// NewS3Backend builds a Backend that streams cut video bytes and thumbnails
// as objects PUT directly to an S3-compatible endpoint. It implements
// begin/upload_chunk/commit by buffering in memory and issuing one PUT on
// Commit; it does not implement ModifyMetadata (object storage has no
// metadata-mutation endpoint) or SetThumbnail on the video object itself,
// but does expose SetThumbnail as a PUT to a sibling key.
func NewS3Backend(cfg S3Config) *S3Backend {
	trimmedBucket := strings.TrimSpace(cfg.Bucket)
	trimmedEndpoint := strings.TrimSpace(cfg.Endpoint)
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := trimmedEndpoint
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	sanitized := cfg
	sanitized.Bucket = trimmedBucket
	return &S3Backend{
		cfg:        sanitized,
		endpoint:   baseURL,
		httpClient: &http.Client{Timeout: sanitized.requestTimeout()},
		sessions:   make(map[string]*s3session),
	}
}

type s3session struct {
	key         string
	contentType string
	body        bytes.Buffer
}

// S3Backend is an object-storage Backend signing requests with AWS
// SigV4, for destinations like MinIO or S3 itself.
type S3Backend struct {
	cfg        S3Config
	endpoint   *url.URL
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*s3session
	nextID   int
}

func (c *S3Backend) Name() string { return c.cfg.LocationName }

func (c *S3Backend) Capabilities() Capabilities {
	return Capabilities{ModifyMetadata: false, SetThumbnail: true}
}

func (c *S3Backend) Begin(ctx context.Context, meta Metadata) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("s3-%d", c.nextID)
	key := objectKeyForTitle(meta.Title, id)
	c.sessions[id] = &s3session{key: key, contentType: "video/mp2t"}
	return Session{ID: id}, nil
}

func (c *S3Backend) UploadChunk(ctx context.Context, session Session, chunk []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[session.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload: unknown session %s", session.ID)
	}
	c.mu.Lock()
	_, err := s.body.Write(chunk)
	c.mu.Unlock()
	return err
}

func (c *S3Backend) Commit(ctx context.Context, session Session) (StatusResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[session.ID]
	c.mu.Unlock()
	if !ok {
		return StatusResult{}, fmt.Errorf("upload: unknown session %s", session.ID)
	}
	ref, status, err := c.putStatus(ctx, s.key, s.contentType, s.body.Bytes())
	if err != nil {
		// An object-storage PUT is all-or-nothing at the key: a clean 4xx
		// response means the object was never created, so the row can retry.
		// A network failure or 5xx leaves whether the object landed ambiguous.
		if status >= 400 && status < 500 {
			return StatusResult{}, fmt.Errorf("%w: %v", ErrCommitNotCommitted, err)
		}
		return StatusResult{}, err
	}
	return StatusResult{Status: StatusReady, VideoID: ref.Key, VideoLink: ref.URL, ImmediatelyPlayable: true}, nil
}

func (c *S3Backend) QueryStatus(ctx context.Context, session Session) (StatusResult, error) {
	// Objects are immediately available once committed: nothing to poll.
	return StatusResult{Status: StatusReady, ImmediatelyPlayable: true}, nil
}

func (c *S3Backend) ModifyMetadata(ctx context.Context, session Session, meta Metadata) error {
	return ErrUnsupported
}

func (c *S3Backend) SetThumbnail(ctx context.Context, session Session, image []byte, contentType string) error {
	c.mu.Lock()
	s, ok := c.sessions[session.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload: unknown session %s", session.ID)
	}
	thumbKey := strings.TrimSuffix(s.key, ".ts") + ".thumb.png"
	_, err := c.put(ctx, thumbKey, contentType, image)
	return err
}

// ObjectReference is what a successful put resolves to.
type ObjectReference struct {
	Key string
	URL string
}

func (c *S3Backend) put(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	ref, _, err := c.putStatus(ctx, key, contentType, body)
	return ref, err
}

// putStatus is put, additionally reporting the response status code (0 for
// a request that never got a response) so callers that need to classify
// the failure, like Commit, don't have to parse the error string.
func (c *S3Backend) putStatus(ctx context.Context, key, contentType string, body []byte) (ObjectReference, int, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		return ObjectReference{}, 0, fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	hash := hashSHA256Hex(body)
	c.signRequest(request, hash)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return ObjectReference{}, 0, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return ObjectReference{}, response.StatusCode, fmt.Errorf("upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return ObjectReference{Key: finalKey, URL: c.publicURL(finalKey)}, response.StatusCode, nil
}

func objectKeyForTitle(title, fallback string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = fallback
	}
	return "cuts/" + slug + ".ts"
}

func (c *S3Backend) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *S3Backend) objectURL(finalKey string) *url.URL {
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		path += "/" + trimmedKey
	}
	if basePath != "" {
		path = basePath + path
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

func (c *S3Backend) publicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (c *S3Backend) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey,
		scope,
		signedHeaders,
		signature,
	)
	req.Header.Set("Authorization", authorization)
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		values := headerMap[key]
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(values, ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
