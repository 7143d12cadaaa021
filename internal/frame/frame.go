// Package frame extracts single-frame PNG stills and waveform PNGs from
// archived segments, running ffmpeg as a subprocess and returning its
// stdout, collected in memory, as the image bytes.
package frame

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// ExtractRequest describes a single-frame extraction: a source file and
// the offset into it, in seconds, at which to grab a frame.
type ExtractRequest struct {
	InputPath string
	Offset    float64 // seconds into InputPath
}

// Extract runs ffmpeg to decode exactly one frame at the requested offset
// and returns it as PNG bytes.
func Extract(ctx context.Context, ffmpegBinary string, req ExtractRequest) ([]byte, error) {
	if ffmpegBinary == "" {
		ffmpegBinary = "ffmpeg"
	}
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%f", req.Offset),
		"-i", req.InputPath,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "png",
		"pipe:1",
	}
	return run(ctx, ffmpegBinary, args)
}

// WaveformRequest describes a waveform PNG render over a clipped span of a
// source file.
type WaveformRequest struct {
	InputPath string
	Start     float64 // seconds into InputPath
	Duration  float64 // seconds
	Width     int
	Height    int
}

// Waveform runs ffmpeg's showwavespng filter to render a waveform PNG of
// the requested span and size.
func Waveform(ctx context.Context, ffmpegBinary string, req WaveformRequest) ([]byte, error) {
	if ffmpegBinary == "" {
		ffmpegBinary = "ffmpeg"
	}
	width, height := req.Width, req.Height
	if width <= 0 {
		width = 800
	}
	if height <= 0 {
		height = 200
	}
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%f", req.Start),
		"-t", fmt.Sprintf("%f", req.Duration),
		"-i", req.InputPath,
		"-filter_complex", fmt.Sprintf("showwavespng=s=%dx%d:colors=white", width, height),
		"-frames:v", "1",
		"-f", "image2",
		"pipe:1",
	}
	return run(ctx, ffmpegBinary, args)
}

func run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
