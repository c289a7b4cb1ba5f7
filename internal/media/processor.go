// Package media wraps ffmpeg for the clip post-processing steps: audio
// stripping, last-frame extraction and concatenation.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"framechain/internal/config"
)

var (
	// ErrEmptyFrame means ffmpeg ran but produced no decodable frame.
	ErrEmptyFrame = errors.New("media: no frame extracted")
	ErrEmptyClip  = errors.New("media: silent clip is empty")
	ErrNoClips    = errors.New("media: at least one clip is required")
)

// ProcessedClip 处理后的片段：无声视频和尾帧
type ProcessedClip struct {
	Silent string
	Frame  string
}

type Processor struct {
	FFmpeg string
	Runner Runner
	log    logrus.FieldLogger
}

func NewProcessor(cfg config.MediaConfig, log logrus.FieldLogger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Processor{
		FFmpeg: bin,
		Runner: &ExecRunner{Timeout: cfg.Timeout, MaxStderr: 2048},
		log:    log.WithField("component", "media"),
	}
}

// SilentName and FrameName are the per-index artifact names inside a
// session directory.
func SilentName(index int) string { return fmt.Sprintf("clip_%02d_silent.mp4", index) }
func FrameName(index int) string  { return fmt.Sprintf("clip_%02d_last.jpg", index) }

// Process strips audio from raw and extracts its last decodable frame.
// Both outputs land in dir only when both steps succeeded; intermediate
// files live in a temp directory that is removed on every path.
func (p *Processor) Process(ctx context.Context, raw, dir string, index int) (ProcessedClip, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ProcessedClip{}, err
	}
	work, err := os.MkdirTemp(dir, ".process-*")
	if err != nil {
		return ProcessedClip{}, err
	}
	defer os.RemoveAll(work)

	silent := filepath.Join(work, "silent.mp4")
	frame := filepath.Join(work, "last.jpg")

	if err := p.Runner.Run(ctx, p.FFmpeg, "-y", "-v", "error", "-i", raw,
		"-map", "0:v:0", "-c", "copy", "-an", silent); err != nil {
		return ProcessedClip{}, fmt.Errorf("media: strip audio: %w", err)
	}
	if !nonEmpty(silent) {
		return ProcessedClip{}, ErrEmptyClip
	}
	// -update 1 让同一个输出文件被每一帧覆盖，最后留下的就是最后一帧
	if err := p.Runner.Run(ctx, p.FFmpeg, "-y", "-v", "error", "-i", raw,
		"-map", "0:v:0", "-update", "1", "-q:v", "2", frame); err != nil {
		return ProcessedClip{}, fmt.Errorf("media: extract last frame: %w", err)
	}
	if !nonEmpty(frame) {
		return ProcessedClip{}, ErrEmptyFrame
	}

	out := ProcessedClip{
		Silent: filepath.Join(dir, SilentName(index)),
		Frame:  filepath.Join(dir, FrameName(index)),
	}
	if err := os.Rename(silent, out.Silent); err != nil {
		return ProcessedClip{}, err
	}
	if err := os.Rename(frame, out.Frame); err != nil {
		os.Remove(out.Silent)
		return ProcessedClip{}, err
	}
	p.log.WithFields(logrus.Fields{"clip": index, "frame": out.Frame}).Debug("processed clip")
	return out, nil
}

// Concat joins clips in the given order into out without re-encoding.
// Output is written to a temp file and renamed, so repeated runs replace
// the artifact instead of appending to it.
func (p *Processor) Concat(ctx context.Context, clips []string, out string) error {
	if len(clips) == 0 {
		return ErrNoClips
	}
	var list strings.Builder
	for i, c := range clips {
		if !nonEmpty(c) {
			return fmt.Errorf("media: clip %d (%s) is missing or empty", i, c)
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			return err
		}
		list.WriteString("file '" + strings.ReplaceAll(abs, "'", `'\''`) + "'\n")
	}

	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	work, err := os.MkdirTemp(dir, ".concat-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	listPath := filepath.Join(work, "list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return err
	}
	tmpOut := filepath.Join(work, "out"+filepath.Ext(out))
	if err := p.Runner.Run(ctx, p.FFmpeg, "-y", "-v", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-map", "0:v", "-c", "copy", "-an",
		"-fflags", "+bitexact", "-flags:v", "+bitexact", "-map_metadata", "-1",
		tmpOut); err != nil {
		return fmt.Errorf("media: concat: %w", err)
	}
	if !nonEmpty(tmpOut) {
		return errors.New("media: concat produced an empty file")
	}
	if err := os.Rename(tmpOut, out); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"clips": len(clips), "out": out}).Info("combined clips")
	return nil
}

func nonEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}
