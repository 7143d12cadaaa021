// Package archive implements the on-disk hour-bucket store shared by
// Downloader (write), Backfiller (write), Restreamer (read), and
// Segment-coverage (read): CHANNEL/QUALITY/HOUR/ directories of
// content-addressed segment files, written via temp-file-then-rename so
// no reader ever observes a partially-written segment.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"wubloader/internal/models"
	"wubloader/internal/segment"
)

// Store is a local archive rooted at BaseDir.
type Store struct {
	BaseDir string
}

// New constructs a Store rooted at baseDir. The directory is not created
// here; callers should ensure it exists (or rely on Write's MkdirAll).
func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// Qualities lists the quality directories present for a channel.
func (s *Store) Qualities(channel string) ([]string, error) {
	return listDirNames(filepath.Join(s.BaseDir, channel))
}

// Hours lists the hour-bucket directories present for (channel, quality),
// sorted ascending.
func (s *Store) Hours(channel, quality string) ([]string, error) {
	names, err := listDirNames(filepath.Join(s.BaseDir, channel, quality))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Segments lists the segments present in one hour bucket, sorted by start
// time ascending (filename order already matches, since MM-SS is the
// leading field).
func (s *Store) Segments(channel, quality, hour string) ([]models.Segment, error) {
	dir := filepath.Join(s.BaseDir, channel, quality, hour)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hour bucket %s: %w", dir, err)
	}

	segments := make([]models.Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		seg, err := segment.ParseFilename(channel, quality, hour, entry.Name())
		if err != nil {
			continue // skip files that don't match the naming grammar
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool {
		if !segments[i].Start.Equal(segments[j].Start) {
			return segments[i].Start.Before(segments[j].Start)
		}
		return segments[i].Hash < segments[j].Hash
	})
	return segments, nil
}

// Has reports whether the exact segment file (matched by full filename,
// content-addressed) already exists locally.
func (s *Store) Has(seg models.Segment) bool {
	_, err := os.Stat(s.path(seg))
	return err == nil
}

// Open returns a reader over an existing segment's bytes. The caller must
// close it.
func (s *Store) Open(seg models.Segment) (io.ReadCloser, error) {
	return os.Open(s.path(seg))
}

// Path returns the on-disk path for seg, for callers (like the cut
// pipeline) that need to hand ffmpeg a real filesystem path rather than a
// stream.
func (s *Store) Path(seg models.Segment) string {
	return s.path(seg)
}

// Write atomically persists a segment's bytes: streamed to a uniquely-named
// temp file in the destination directory, then renamed into place. A
// concurrent writer producing the same content-addressed name races
// harmlessly — both bodies are equivalent bytes (spec.md §5, Shared resource
// policy).
func (s *Store) Write(seg models.Segment, body io.Reader) error {
	dir := filepath.Dir(s.path(seg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create hour bucket dir %s: %w", dir, err)
	}

	tmpName := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))
	tmp, err := os.Create(tmpName)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	dest := s.path(seg)
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (s *Store) path(seg models.Segment) string {
	return filepath.Join(s.BaseDir, segment.RelPath(seg))
}

func listDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
