// Package cutpipeline dispatches a cut request to an ffmpeg invocation
// appropriate to its models.CutType: fast (raw concat, no re-encode),
// smart (the default: fast when nothing needs trimming, otherwise a
// re-encode that trims only the boundary inputs), full (precise re-encode
// with transitions and crop), and webm (full, re-encoded to VP9/Opus).
// ffmpeg always runs as a streamed subprocess; its stdout is piped
// directly to the caller, never buffered in memory.
package cutpipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"wubloader/internal/models"
)

// Input is one source file backing a cut: a segment already resolved to a
// local path (by the archive, or a temp file fetched from a peer).
type Input struct {
	Path     string
	Start    float64 // seconds into this file where the requested range begins, 0 if not a boundary
	Duration float64 // seconds, clipped length to use, 0 means "to end of file"
}

// Request describes one cut job.
type Request struct {
	Type        models.CutType
	Inputs      []Input
	Transitions []*models.Transition
	Crop        *models.Crop
}

// Plan is a built ffmpeg invocation: binary, args, and whether the job
// needs a generated concat-list file cleaned up afterward.
type Plan struct {
	Binary     string
	Args       []string
	cleanup    func()
	OutputMime string
}

// Build renders the ffmpeg invocation for req. The caller must call
// Cleanup() on the returned Plan once the subprocess has exited.
func Build(ffmpegBinary string, req Request) (*Plan, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("cut request has no inputs")
	}
	if ffmpegBinary == "" {
		ffmpegBinary = "ffmpeg"
	}

	switch req.Type {
	case models.CutFast:
		return buildFast(ffmpegBinary, req)
	case models.CutSmart, "":
		return buildSmart(ffmpegBinary, req)
	case models.CutFull:
		return buildFull(ffmpegBinary, req, "mpegts", []string{"-c:v", "libx264", "-c:a", "aac", "-f", "mpegts"})
	case models.CutWebm:
		return buildFull(ffmpegBinary, req, "webm", []string{"-c:v", "libvpx-vp9", "-c:a", "libopus", "-f", "webm"})
	default:
		return nil, fmt.Errorf("unknown cut type %q", req.Type)
	}
}

// Cleanup releases any temp files the plan allocated (e.g. a concat list).
func (p *Plan) Cleanup() {
	if p != nil && p.cleanup != nil {
		p.cleanup()
	}
}

// buildFast concatenates whole segment files with no re-encode, per
// spec.md's fast cut type: no selection boundary trimming, -c copy.
func buildFast(ffmpegBinary string, req Request) (*Plan, error) {
	listPath, cleanup, err := writeConcatList(req.Inputs)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-f", "mpegts",
		"pipe:1",
	}
	return &Plan{Binary: ffmpegBinary, Args: args, cleanup: cleanup, OutputMime: "video/mp2t"}, nil
}

// buildSmart falls back to buildFast's plain concat demuxer when none of
// the inputs land off a segment boundary (a non-zero Start or Duration) and
// the request carries no transitions or crop. Otherwise it shares
// buildFull's transition/crop-aware filter graph, trimming only the inputs
// that need it; in that path every input passes through the filter graph
// and the whole output is re-encoded, so interior segments are not
// stream-copied.
func buildSmart(ffmpegBinary string, req Request) (*Plan, error) {
	anyTrim := false
	for _, in := range req.Inputs {
		if in.Start > 0 || in.Duration > 0 {
			anyTrim = true
			break
		}
	}
	anyTransition := false
	for _, t := range req.Transitions {
		if t != nil && t.Duration > 0 {
			anyTransition = true
			break
		}
	}
	if !anyTrim && !anyTransition && req.Crop == nil {
		return buildFast(ffmpegBinary, req)
	}
	return buildFilterGraph(ffmpegBinary, req, "mpegts", []string{"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-f", "mpegts"}, false)
}

// buildFull re-encodes every input precisely, applying crop and any named
// transitions (crossfades) between adjacent ranges, per spec.md's full and
// webm cut types.
func buildFull(ffmpegBinary string, req Request, format string, outputArgs []string) (*Plan, error) {
	return buildFilterGraph(ffmpegBinary, req, format, outputArgs, true)
}

// buildFilterGraph builds the shared transition/crop-aware ffmpeg filter
// graph used by both full/webm cuts and the non-fast-path branch of smart
// cuts. Every input is routed through a named filter-graph video pad, even
// when it needs no trim or crop, so -map never has to mix raw stream
// specifiers with filter-graph labels. When trimAll is false, only inputs
// that land off a segment boundary (non-zero Start or Duration) are
// actually trimmed; the rest pass through untouched.
func buildFilterGraph(ffmpegBinary string, req Request, format string, outputArgs []string, trimAll bool) (*Plan, error) {
	var args []string
	args = append(args, "-y")
	for _, in := range req.Inputs {
		if in.Start > 0 {
			args = append(args, "-ss", fmt.Sprintf("%f", in.Start))
		}
		args = append(args, "-i", in.Path)
	}

	var filterParts []string
	videoLabels := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		label := fmt.Sprintf("v%d", i)
		needsTrim := trimAll || in.Start > 0 || in.Duration > 0

		var chainParts []string
		if needsTrim {
			chainParts = append(chainParts, fmt.Sprintf("trim=start=0:duration=%f,setpts=PTS-STARTPTS", durationOrLarge(in.Duration)))
		}
		if req.Crop != nil {
			chainParts = append(chainParts, fmt.Sprintf("crop=%d:%d:%d:%d", req.Crop.Width, req.Crop.Height, req.Crop.X, req.Crop.Y))
		}
		if len(chainParts) == 0 {
			chainParts = append(chainParts, "null")
		}
		filterParts = append(filterParts, fmt.Sprintf("[%d:v:0]%s[%s]", i, strings.Join(chainParts, ","), label))
		videoLabels[i] = label
	}

	current := videoLabels[0]
	for i := 1; i < len(videoLabels); i++ {
		next := videoLabels[i]
		out := fmt.Sprintf("xf%d", i)
		transitionDuration := 0.0
		transitionType := "fade"
		if i-1 < len(req.Transitions) && req.Transitions[i-1] != nil {
			transitionDuration = req.Transitions[i-1].Duration
			if req.Transitions[i-1].Type != "" {
				transitionType = req.Transitions[i-1].Type
			}
		}
		if transitionDuration > 0 {
			filterParts = append(filterParts, fmt.Sprintf("[%s][%s]xfade=transition=%s:duration=%f:offset=0[%s]",
				current, next, transitionType, transitionDuration, out))
		} else {
			filterParts = append(filterParts, fmt.Sprintf("[%s][%s]concat=n=2:v=1:a=0[%s]", current, next, out))
		}
		current = out
	}

	audioLabels := make([]string, len(req.Inputs))
	for i := range req.Inputs {
		audioLabels[i] = fmt.Sprintf("[%d:a:0]", i)
	}
	filterParts = append(filterParts, fmt.Sprintf("%sconcat=n=%d:v=0:a=1[outa]", strings.Join(audioLabels, ""), len(req.Inputs)))

	args = append(args, "-filter_complex", strings.Join(filterParts, ";"))
	args = append(args, "-map", fmt.Sprintf("[%s]", current), "-map", "[outa]")
	args = append(args, outputArgs...)
	args = append(args, "pipe:1")

	mime := "video/mp2t"
	if format == "webm" {
		mime = "video/webm"
	}
	return &Plan{Binary: ffmpegBinary, Args: args, OutputMime: mime}, nil
}

func durationOrLarge(d float64) float64 {
	if d <= 0 {
		return 1e9
	}
	return d
}

// writeConcatList renders an ffmpeg concat-demuxer list file for whole-file
// fast-mode concatenation and returns a cleanup func to remove it.
func writeConcatList(inputs []Input) (string, func(), error) {
	dir := os.TempDir()
	path := filepath.Join(dir, fmt.Sprintf("wubloader-concat-%s.txt", uuid.NewString()))

	var b strings.Builder
	for _, in := range inputs {
		b.WriteString(fmt.Sprintf("file '%s'\n", escapeConcatPath(in.Path)))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", nil, fmt.Errorf("write concat list: %w", err)
	}
	return path, func() { os.Remove(path) }, nil
}

func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", "'\\''")
}

// Run executes the plan's ffmpeg subprocess, streaming stdout to dst as it
// is produced and logging stderr line by line. It blocks until the process
// exits.
func Run(ctx context.Context, plan *Plan, dst io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, plan.Binary, plan.Args...)
	cmd.Stdout = dst
	cmd.Stderr = newLogWriter(logger)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// logWriter splits ffmpeg's stderr into lines and forwards each as a log
// record, rather than buffering the whole stream.
type logWriter struct {
	logger *slog.Logger
	buf    bytes.Buffer
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back for the next Write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimSpace(line)
		if line != "" {
			w.logger.Debug("ffmpeg", "line", line)
		}
	}
	return total, nil
}
