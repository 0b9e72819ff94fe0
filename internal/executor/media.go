package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediaflow/internal/config"
)

// The media executors stay thin: the work that shells out to third-party
// binaries sits behind these collaborator interfaces, invoked with explicit
// argument vectors. Tests fake them.

// Downloader fetches a remote media URL into destDir and returns the
// downloaded file path.
type Downloader interface {
	Download(ctx context.Context, url, destDir string) (string, error)
}

// Prober extracts container/stream metadata from a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (string, error)
}

// Transcriber produces a plain-text transcript of a media file.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Analyzer runs the heavier signal-level inspections.
type Analyzer interface {
	SceneDetect(ctx context.Context, path string) (string, error)
	ObjectDetect(ctx context.Context, path string) (string, error)
	AudioAnalyze(ctx context.Context, path string) (string, error)
}

// MediaTools is the subprocess-backed implementation of all four
// collaborators, configured with binary paths from the media config section.
type MediaTools struct {
	cfg config.MediaConfig
}

// NewMediaTools builds the default subprocess collaborators.
func NewMediaTools(cfg config.MediaConfig) *MediaTools {
	return &MediaTools{cfg: cfg}
}

func (m *MediaTools) Download(ctx context.Context, url, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	template := filepath.Join(destDir, "%(id)s.%(ext)s")
	output, err := runArgv(ctx, m.cfg.YtDlpPath,
		"--no-playlist", "--print", "after_move:filepath",
		"--output", template, url)
	if err != nil {
		return "", err
	}
	// The last non-empty line is the final file path.
	lines := strings.Split(strings.TrimSpace(output), "\n")
	path := strings.TrimSpace(lines[len(lines)-1])
	if path == "" {
		return "", fmt.Errorf("download produced no file path for %s", url)
	}
	return path, nil
}

func (m *MediaTools) Probe(ctx context.Context, path string) (string, error) {
	return runArgv(ctx, m.cfg.FfprobePath,
		"-v", "quiet", "-print_format", "json",
		"-show_format", "-show_streams", path)
}

func (m *MediaTools) Transcribe(ctx context.Context, path string) (string, error) {
	return runArgv(ctx, m.cfg.WhisperPath,
		"--output_format", "txt", "--output_dir", filepath.Dir(path), path)
}

func (m *MediaTools) SceneDetect(ctx context.Context, path string) (string, error) {
	return runArgv(ctx, m.cfg.FfprobePath,
		"-v", "quiet", "-print_format", "json",
		"-show_frames", "-select_streams", "v",
		"-show_entries", "frame=pict_type,pts_time", path)
}

func (m *MediaTools) ObjectDetect(ctx context.Context, path string) (string, error) {
	// Object detection proper needs a model runtime; the frame inventory is
	// what downstream tagging currently consumes.
	return runArgv(ctx, m.cfg.FfprobePath,
		"-v", "quiet", "-print_format", "json",
		"-show_streams", "-select_streams", "v", path)
}

func (m *MediaTools) AudioAnalyze(ctx context.Context, path string) (string, error) {
	return runArgv(ctx, m.cfg.FfprobePath,
		"-v", "quiet", "-print_format", "json",
		"-show_streams", "-select_streams", "a", path)
}
