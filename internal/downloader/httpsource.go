package downloader

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPSource is the production PlaylistSource: it fetches an upstream
// channel's master playlist, picks the media playlist variant matching
// quality (spec.md §4.1 treats "source" as the highest-bandwidth variant),
// and parses that media playlist's #EXTINF/#EXT-X-PROGRAM-DATE-TIME/
// #EXT-X-DISCONTINUITY tags into RemoteSegments with absolute start times.
//
// There is no m3u8 parsing library in play here; HLS playlists are small,
// line-oriented text, and the tags this worker cares about are a handful of
// prefixes, so a direct bufio.Scanner pass is simpler than a dependency.
type HTTPSource struct {
	MasterURL string
	Client    *http.Client
}

// NewHTTPSource builds an HTTPSource polling masterURL's master playlist.
func NewHTTPSource(masterURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{MasterURL: masterURL, Client: client}
}

// Poll fetches the master playlist, resolves quality to a media playlist
// URL, fetches that, and parses its segment list.
func (s *HTTPSource) Poll(ctx context.Context, channel, quality string) ([]RemoteSegment, error) {
	masterURL := strings.ReplaceAll(s.MasterURL, "{channel}", channel)
	mediaURL, err := s.resolveMediaPlaylist(ctx, masterURL, quality)
	if err != nil {
		return nil, fmt.Errorf("resolve media playlist: %w", err)
	}

	body, err := s.fetch(ctx, mediaURL)
	if err != nil {
		return nil, fmt.Errorf("fetch media playlist: %w", err)
	}

	return parseMediaPlaylist(mediaURL, body)
}

func (s *HTTPSource) resolveMediaPlaylist(ctx context.Context, masterURL, quality string) (string, error) {
	body, err := s.fetch(ctx, masterURL)
	if err != nil {
		return "", err
	}

	variants, err := parseMasterPlaylist(masterURL, body)
	if err != nil {
		return "", err
	}
	if len(variants) == 0 {
		return "", fmt.Errorf("no variants in master playlist")
	}

	if quality == "source" {
		best := variants[0]
		for _, v := range variants[1:] {
			if v.bandwidth > best.bandwidth {
				best = v
			}
		}
		return best.url, nil
	}

	for _, v := range variants {
		if v.name == quality {
			return v.url, nil
		}
	}
	return "", fmt.Errorf("quality %q not found in master playlist", quality)
}

func (s *HTTPSource) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, target)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type variant struct {
	name      string
	bandwidth int
	url       string
}

// parseMasterPlaylist extracts each #EXT-X-STREAM-INF variant's bandwidth,
// name (from its NAME attribute if present, else its resolution), and
// resolved URL.
func parseMasterPlaylist(baseURL, body string) ([]variant, error) {
	var variants []variant
	lines := strings.Split(body, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
		if i+1 >= len(lines) {
			break
		}
		uriLine := strings.TrimSpace(lines[i+1])
		if uriLine == "" || strings.HasPrefix(uriLine, "#") {
			continue
		}
		resolved, err := resolveURL(baseURL, uriLine)
		if err != nil {
			return nil, err
		}
		bandwidth, _ := strconv.Atoi(attrs["BANDWIDTH"])
		name := attrs["NAME"]
		if name == "" {
			name = attrs["RESOLUTION"]
		}
		variants = append(variants, variant{name: name, bandwidth: bandwidth, url: resolved})
		i++
	}
	return variants, nil
}

// parseMediaPlaylist walks a media playlist's #EXTINF/#EXT-X-PROGRAM-DATE-
// TIME/#EXT-X-DISCONTINUITY tags into RemoteSegments. The first PDT tag
// anchors the running clock (a segment URI seen before any PDT tag is an
// error); every subsequent segment's start is the anchor advanced by the summed
// #EXTINF durations seen so far, re-anchored whenever a fresh PDT appears.
func parseMediaPlaylist(baseURL, body string) ([]RemoteSegment, error) {
	var segments []RemoteSegment
	var clock time.Time
	var haveClock bool
	var pendingDuration float64
	var havePendingDuration bool
	var discontinuous bool

	lines := strings.Split(body, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			ts, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"))
			if err != nil {
				return nil, fmt.Errorf("parse program-date-time: %w", err)
			}
			clock = ts
			haveClock = true
		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY"):
			discontinuous = true
		case strings.HasPrefix(line, "#EXTINF:"):
			fields := strings.SplitN(strings.TrimPrefix(line, "#EXTINF:"), ",", 2)
			d, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
			if err != nil {
				return nil, fmt.Errorf("parse extinf duration: %w", err)
			}
			pendingDuration = d
			havePendingDuration = true
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			if !havePendingDuration {
				continue // stray URI line without a preceding #EXTINF
			}
			if !haveClock {
				return nil, fmt.Errorf("media playlist has no #EXT-X-PROGRAM-DATE-TIME to anchor segment start times")
			}
			resolved, err := resolveURL(baseURL, line)
			if err != nil {
				return nil, err
			}
			segments = append(segments, RemoteSegment{
				URL:           resolved,
				Start:         clock,
				Duration:      pendingDuration,
				Discontinuous: discontinuous,
			})
			clock = clock.Add(time.Duration(pendingDuration * float64(time.Second)))
			havePendingDuration = false
			discontinuous = false
		}
	}
	return segments, nil
}

// parseAttributeList splits an HLS attribute-list string (KEY=VALUE,...,
// with quoted values allowed to contain commas) into a map.
func parseAttributeList(raw string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var value strings.Builder
	inValue := false
	inQuotes := false
	flush := func() {
		if key.Len() > 0 {
			attrs[strings.TrimSpace(key.String())] = strings.Trim(strings.TrimSpace(value.String()), `"`)
		}
		key.Reset()
		value.Reset()
		inValue = false
	}
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			value.WriteRune(r)
		case r == '=' && !inValue && !inQuotes:
			inValue = true
		case r == ',' && !inQuotes:
			flush()
		case inValue:
			value.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return attrs
}

func resolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(parsed).String(), nil
}
