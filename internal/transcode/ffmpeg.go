package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/imalyk/go-video-converter/internal/config"
	"github.com/imalyk/go-video-converter/pkg/job"
)

const stderrTailLines = 64

// FFmpeg converts files by running the ffmpeg executable once per job.
// Every conversion re-encodes; streams are never copied.
type FFmpeg struct {
	cfg    config.TranscoderConfig
	logger *slog.Logger
}

func NewFFmpeg(cfg config.TranscoderConfig, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{cfg: cfg, logger: logger.With("component", "ffmpeg")}
}

func (f *FFmpeg) Convert(ctx context.Context, in Source, format job.Format, progress ProgressFunc) (*Output, error) {
	profile, err := format.Profile()
	if err != nil {
		return nil, &Error{Format: format, ExitCode: -1, Diagnostic: err.Error(), Err: err}
	}
	if progress == nil {
		progress = func(int64) {}
	}

	outputPath := filepath.Join(filepath.Dir(in.Path), "output."+string(format))
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("prepare output: %w", err)
	}

	duration, err := f.probeDuration(ctx, in.Path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("duration probe failed, progress will be coarse", "input", in.Path, "error", err)
		duration = 0
	}

	if err := f.run(ctx, f.buildArgs(profile, in.Path, outputPath), duration, format, progress); err != nil {
		return nil, err
	}

	stat, err := os.Stat(outputPath)
	if err != nil || stat.Size() == 0 {
		return nil, &Error{Format: format, Diagnostic: "ffmpeg exited cleanly but produced no output", Err: err}
	}
	return &Output{Path: outputPath, ContentType: profile.ContentType, Size: stat.Size()}, nil
}

func (f *FFmpeg) buildArgs(p job.Profile, inputPath, outputPath string) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", p.VideoCodec,
	}

	switch p.VideoCodec {
	case "libx264":
		args = append(args, "-preset", f.cfg.Preset, "-crf", strconv.Itoa(f.cfg.VideoCRF), "-pix_fmt", "yuv420p")
	case "libvpx-vp9":
		args = append(args, "-b:v", "0", "-crf", strconv.Itoa(f.cfg.VideoCRF), "-row-mt", "1")
	case "prores_ks":
		args = append(args, "-profile:v", "3", "-pix_fmt", "yuv422p10le")
	case "mpeg4":
		args = append(args, "-q:v", "5")
	}

	args = append(args, "-c:a", p.AudioCodec)
	if p.LossyAudio {
		args = append(args, "-b:a", f.cfg.AudioBitrate)
	}
	if p.FastStart {
		args = append(args, "-movflags", "+faststart")
	}

	return append(args,
		"-f", p.Muxer,
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	)
}

func (f *FFmpeg) probeDuration(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFProbePath, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", input)
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" || durationStr == "N/A" {
		return 0, errors.New("empty duration")
	}
	return strconv.ParseFloat(durationStr, 64)
}

func (f *FFmpeg) run(ctx context.Context, args []string, duration float64, format job.Format, progress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, f.cfg.FFMPEGPath, args...)

	stderr := newTailWriter(stderrTailLines)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &Error{Format: format, ExitCode: -1, Diagnostic: fmt.Sprintf("ffmpeg start: %v", err), Err: err}
	}

	f.consumeProgress(stdout, duration, progress)
	// Drain whatever follows progress=end so ffmpeg never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		diagnostic := stderr.String()
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		return &Error{Format: format, ExitCode: exitCode, Diagnostic: diagnostic, Err: err}
	}

	progress(100)
	return nil
}

// consumeProgress reads ffmpeg's key=value progress stream until
// progress=end. out_time_us and out_time_ms are both microseconds.
func (f *FFmpeg) consumeProgress(r io.Reader, duration float64, progress ProgressFunc) {
	var lastProgress int64
	lastEmit := time.Time{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			if duration <= 0 {
				continue
			}
			outTimeUs, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			current := int64(math.Min(99, math.Max(0, outTimeUs/1e6/duration*100)))
			if current > lastProgress && time.Since(lastEmit) >= f.cfg.ProgressBackoff {
				lastProgress = current
				lastEmit = time.Now()
				progress(current)
			}
		case "progress":
			if value == "end" {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		f.logger.Debug("progress stream ended early", "error", err)
	}
}

// tailWriter keeps the last max lines written to it. An unterminated line
// keeps only its last maxPartialBytes.
type tailWriter struct {
	max     int
	lines   []string
	partial []byte
}

const maxPartialBytes = 4 << 10

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			t.push(string(t.partial))
			t.partial = t.partial[:0]
			continue
		}
		t.partial = append(t.partial, b)
	}
	if over := len(t.partial) - maxPartialBytes; over > 0 {
		t.partial = append(t.partial[:0], t.partial[over:]...)
	}
	return len(p), nil
}

func (t *tailWriter) push(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailWriter) String() string {
	lines := t.lines
	if rest := strings.TrimSpace(string(t.partial)); rest != "" {
		lines = append(append([]string(nil), lines...), rest)
		if len(lines) > t.max {
			lines = lines[len(lines)-t.max:]
		}
	}
	return strings.Join(lines, "\n")
}
