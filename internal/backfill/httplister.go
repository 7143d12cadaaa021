package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// httpLister is the default PeerLister, talking to a peer Restreamer over
// plain HTTP using the public contract from spec.md §9: GET
// /files/{channel}/{quality}/{hour} for a filename list, GET
// /segments/{channel}/{quality}/{hour}/{filename} for raw bytes.
type httpLister struct {
	client *http.Client
}

// NewHTTPLister constructs a PeerLister backed by plain HTTP GETs against a
// peer Restreamer.
func NewHTTPLister(client *http.Client) PeerLister {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpLister{client: client}
}

func (l *httpLister) Hours(ctx context.Context, peerURL, channel, quality string) ([]string, error) {
	var hours []string
	path := fmt.Sprintf("/files/%s/%s", url.PathEscape(channel), url.PathEscape(quality))
	if err := l.getJSON(ctx, peerURL+path, &hours); err != nil {
		return nil, err
	}
	return hours, nil
}

func (l *httpLister) Filenames(ctx context.Context, peerURL, channel, quality, hour string) ([]string, error) {
	var names []string
	path := fmt.Sprintf("/files/%s/%s/%s", url.PathEscape(channel), url.PathEscape(quality), url.PathEscape(hour))
	if err := l.getJSON(ctx, peerURL+path, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (l *httpLister) Fetch(ctx context.Context, peerURL, channel, quality, hour, filename string) ([]byte, error) {
	path := fmt.Sprintf("/segments/%s/%s/%s/%s",
		url.PathEscape(channel), url.PathEscape(quality), url.PathEscape(hour), url.PathEscape(filename))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (l *httpLister) getJSON(ctx context.Context, target string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
