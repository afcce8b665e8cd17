// ffmpeg.go: clip probing and frame extraction through the ffmpeg binaries.
package reclassify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/birdframe/internal/errors"
)

// FrameExtractor abstracts clip probing and frame extraction so tests do not
// need ffmpeg installed.
type FrameExtractor interface {
	// Duration returns the clip length.
	Duration(ctx context.Context, clipPath string) (time.Duration, error)

	// ExtractFrame returns one encoded JPEG frame at the given offset.
	ExtractFrame(ctx context.Context, clipPath string, offset time.Duration) ([]byte, error)
}

// FFmpegExtractor shells out to ffprobe/ffmpeg.
type FFmpegExtractor struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpegExtractor uses the binaries from PATH.
func NewFFmpegExtractor() *FFmpegExtractor {
	return &FFmpegExtractor{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

// Duration probes the container duration.
func (e *FFmpegExtractor) Duration(ctx context.Context, clipPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, e.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		clipPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, errors.Newf("ffprobe failed: %w (%s)", err, strings.TrimSpace(stderr.String())).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Context("clip_path", clipPath).
			Build()
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, errors.Newf("unparseable clip duration %q: %w", stdout.String(), err).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Build()
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ExtractFrame decodes a single frame to JPEG on stdout. Seeking before the
// input keeps extraction fast on long clips.
func (e *FFmpegExtractor) ExtractFrame(ctx context.Context, clipPath string, offset time.Duration) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.FFmpegPath,
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", offset.Seconds()),
		"-i", clipPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2",
		"pipe:1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Newf("ffmpeg frame extraction failed: %w (%s)", err, strings.TrimSpace(stderr.String())).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Context("clip_path", clipPath).
			Context("offset", offset.String()).
			Build()
	}
	if stdout.Len() == 0 {
		return nil, errors.Newf("ffmpeg produced no frame at offset %s", offset).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Build()
	}
	return stdout.Bytes(), nil
}
