package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/ffmpeg"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

const (
	defaultReportInterval = 2 * time.Second
	stderrTailLines       = 20
)

// codecEncoders maps wire codec names onto the software encoders ffmpeg
// ships with. Hardware variants arrive through the profile's explicit
// encoder key instead.
var codecEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"av1":  "libsvtav1",
	"vp9":  "libvpx-vp9",
}

var audioEncoders = map[string]string{
	"aac":  "aac",
	"opus": "libopus",
	"mp3":  "libmp3lame",
	"ac3":  "ac3",
	"flac": "flac",
}

// FFmpegRunner encodes media by shelling out to ffmpeg and following its
// machine-readable -progress output.
type FFmpegRunner struct {
	ffmpegPath     string
	prober         *ffmpeg.Prober
	logger         *slog.Logger
	reportInterval time.Duration
}

// NewFFmpegRunner builds a runner around a detected ffmpeg installation.
func NewFFmpegRunner(info *ffmpeg.BinaryInfo, logger *slog.Logger) *FFmpegRunner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FFmpegRunner{
		ffmpegPath:     info.FFmpegPath,
		logger:         logger.With(slog.String("component", "ffmpeg")),
		reportInterval: defaultReportInterval,
	}
	if info.FFprobePath != "" {
		r.prober = ffmpeg.NewProber(info.FFprobePath)
	}
	return r
}

// Run encodes one job. Cancelling ctx kills the ffmpeg process.
func (r *FFmpegRunner) Run(ctx context.Context, job EncodeJob, report func(encoderwire.ProgressPayload)) (EncodeResult, error) {
	inputStat, err := os.Stat(job.InputPath)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("input not readable: %w", err)
	}

	// Without ffprobe (or on a broken input) progress frames carry speed
	// and fps but no percentage.
	var inputDuration time.Duration
	if r.prober != nil {
		if probe, probeErr := r.prober.Probe(ctx, job.InputPath); probeErr == nil {
			inputDuration = probe.Duration()
		} else {
			r.logger.Debug("input probe failed",
				slog.String("input", job.InputPath), slog.Any("error", probeErr))
		}
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return EncodeResult{}, fmt.Errorf("creating output directory: %w", err)
	}

	args := buildArgs(job)
	r.logger.Debug("starting ffmpeg",
		slog.String("job_id", job.JobID),
		slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return EncodeResult{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return EncodeResult{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return EncodeResult{}, fmt.Errorf("starting ffmpeg: %w", err)
	}

	tail := newTailBuffer(stderrTailLines)
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		tail.Consume(stderr)
	}()
	go func() {
		defer pipes.Done()
		r.followProgress(stdout, inputDuration, report)
	}()

	pipes.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return EncodeResult{}, ctx.Err()
	}
	if waitErr != nil {
		if detail := tail.String(); detail != "" {
			return EncodeResult{}, fmt.Errorf("ffmpeg: %w: %s", waitErr, detail)
		}
		return EncodeResult{}, fmt.Errorf("ffmpeg: %w", waitErr)
	}

	outputStat, err := os.Stat(job.OutputPath)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("ffmpeg exited clean but output missing: %w", err)
	}

	result := EncodeResult{
		OutputPath: job.OutputPath,
		Size:       outputStat.Size(),
		Duration:   time.Since(started),
	}
	if inputStat.Size() > 0 {
		result.CompressionRatio = float64(outputStat.Size()) / float64(inputStat.Size())
	}
	return result, nil
}

// followProgress relays -progress blocks as wire payloads, throttled so a
// fast encode does not flood the dispatcher.
func (r *FFmpegRunner) followProgress(stdout io.Reader, inputDuration time.Duration, report func(encoderwire.ProgressPayload)) {
	durationUs := inputDuration.Microseconds()
	var lastReport time.Time

	err := parseProgress(stdout, func(u progressUpdate) {
		if !u.End && time.Since(lastReport) < r.reportInterval {
			return
		}
		lastReport = time.Now()
		report(progressPayload(u, durationUs))
	})
	if err != nil {
		r.logger.Debug("progress stream ended", slog.Any("error", err))
	}
}

// progressPayload converts one -progress block into the wire payload.
// Running percentages cap below 100; completion is COMPLETED's to claim.
func progressPayload(u progressUpdate, durationUs int64) encoderwire.ProgressPayload {
	p := encoderwire.ProgressPayload{Speed: u.Speed, FPS: u.FPS}
	if u.End {
		p.Pct = 100
		return p
	}
	if durationUs <= 0 || u.OutTimeUs <= 0 {
		return p
	}

	pct := float64(u.OutTimeUs) / float64(durationUs) * 100
	if pct > 99.9 {
		pct = 99.9
	}
	p.Pct = math.Round(pct*10) / 10

	if u.Speed > 0 && u.OutTimeUs < durationUs {
		remaining := time.Duration(durationUs-u.OutTimeUs) * time.Microsecond
		p.ETASeconds = int64(remaining.Seconds() / u.Speed)
	}
	return p
}

// buildArgs assembles the ffmpeg invocation for one job. Config keys the
// runner does not know are ignored so profiles can carry extra metadata.
// A job without a codec key is remuxed with both streams copied.
func buildArgs(job EncodeJob) []string {
	cfg := configMap(job.Config)

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-nostats",
		"-progress", "pipe:1",
		"-y",
		"-i", job.InputPath,
	}

	if codec := cfg.getString("codec"); codec != "" {
		encoder, known := codecEncoders[codec]
		if !known {
			encoder = codec
		}
		if explicit := cfg.getString("encoder"); explicit != "" {
			encoder = explicit
		}
		args = append(args, "-c:v", encoder)
		if preset := cfg.getString("preset"); preset != "" {
			args = append(args, "-preset", preset)
		}
		if crf, ok := cfg.getInt("crf"); ok {
			args = append(args, "-crf", strconv.Itoa(crf))
		}
		if rate := cfg.getString("video_bitrate"); rate != "" {
			args = append(args, "-b:v", rate)
		}
	} else {
		args = append(args, "-c:v", "copy")
	}

	if codec := cfg.getString("audio_codec"); codec != "" {
		encoder, known := audioEncoders[codec]
		if !known {
			encoder = codec
		}
		args = append(args, "-c:a", encoder)
		if rate := cfg.getString("audio_bitrate"); rate != "" {
			args = append(args, "-b:a", rate)
		}
	} else {
		args = append(args, "-c:a", "copy")
	}

	args = append(args, job.OutputPath)
	return args
}

type configMap map[string]any

func (c configMap) getString(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c configMap) getInt(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// tailBuffer keeps the last lines of ffmpeg's stderr for failure reports.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// Consume drains r line by line until EOF. Carriage returns count as line
// breaks because ffmpeg redraws status lines with them.
func (b *tailBuffer) Consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b.mu.Lock()
		b.lines = append(b.lines, line)
		if len(b.lines) > b.max {
			b.lines = b.lines[1:]
		}
		b.mu.Unlock()
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "; ")
}

// scanLinesWithCR is a bufio.SplitFunc that treats both carriage return and
// newline as delimiters, handling \r\n as one break.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
				advance++
			}
			return advance, data[:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
