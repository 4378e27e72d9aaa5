package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"lattice/internal/logging"
	"lattice/internal/services"
)

var commandContext = exec.CommandContext

// fatalMarkers are stderr fragments that identify the line explaining a failure.
var fatalMarkers = []string{
	"error",
	"invalid",
	"conversion failed",
	"no such file",
	"could not",
	"unable to",
	"corrupt",
}

// RunOptions tunes a single ffmpeg invocation.
type RunOptions struct {
	// Duration and Frames are the expected totals used to derive progress.
	Duration float64
	Frames   int64
	// OnProgress receives the completion fraction in [0,1].
	OnProgress func(fraction float64)
	// OnLine receives every stderr line.
	OnLine func(line string)
	// FailOnErrorOutput treats any stderr output as a failure even when
	// ffmpeg exits zero. Used with -v error decode checks.
	FailOnErrorOutput bool
}

// Runner executes ffmpeg.
type Runner struct {
	binary string
	logger *slog.Logger
}

// NewRunner returns a runner for binary, defaulting to "ffmpeg".
func NewRunner(binary string, logger *slog.Logger) *Runner {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{binary: binary, logger: logger}
}

// Binary reports the executable the runner invokes.
func (r *Runner) Binary() string {
	return r.binary
}

// Run executes ffmpeg with args and streams progress until it exits.
func (r *Runner) Run(ctx context.Context, args []string, opts RunOptions) error {
	full := append([]string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:1", "-nostats"}, args...)
	cmd := commandContext(ctx, r.binary, full...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	r.logger.Debug("starting ffmpeg", logging.String("binary", r.binary), logging.String("args", strings.Join(full, " ")))
	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "start", r.binary, err)
	}

	var (
		wg        sync.WaitGroup
		lastFatal string
		lastLine  string
		anyOutput bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		parser := NewProgressParser(opts.Duration, opts.Frames)
		scanLines(stdout, func(line string) {
			if fraction, ok := parser.Feed(line); ok && opts.OnProgress != nil {
				opts.OnProgress(fraction)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			line = strings.TrimSpace(line)
			if line == "" {
				return
			}
			anyOutput = true
			lastLine = line
			if isFatalLine(line) {
				lastFatal = line
			}
			if opts.OnLine != nil {
				opts.OnLine(line)
			}
		})
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	offending := lastFatal
	if offending == "" {
		offending = lastLine
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return services.Wrap(services.ErrTimeout, "ffmpeg", "run", "interrupted", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return services.Wrap(services.ErrExternalTool, "ffmpeg", "run", fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), offending), nil)
		}
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "run", offending, waitErr)
	}
	if opts.FailOnErrorOutput && anyOutput {
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "decode check", offending, nil)
	}
	if opts.OnProgress != nil {
		opts.OnProgress(1)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Drain so the child never blocks on a full pipe after an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

func isFatalLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range fatalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ProgressParser folds -progress key=value output into a completion fraction.
type ProgressParser struct {
	duration float64
	frames   int64
	outTime  float64
	frame    int64
}

// NewProgressParser tracks progress against the expected duration in seconds
// and frame count. Either may be zero.
func NewProgressParser(duration float64, frames int64) *ProgressParser {
	return &ProgressParser{duration: duration, frames: frames}
}

// Feed consumes one line and returns a fraction at the end of every block.
func (p *ProgressParser) Feed(line string) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	value = strings.TrimSpace(value)
	switch key {
	case "out_time_us", "out_time_ms":
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.outTime = float64(us) / 1e6
		}
	case "out_time":
		if secs, ok := parseClock(value); ok {
			p.outTime = secs
		}
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.frame = n
		}
	case "progress":
		if value == "end" {
			return 1, true
		}
		return p.fraction(), true
	}
	return 0, false
}

func (p *ProgressParser) fraction() float64 {
	var f float64
	switch {
	case p.duration > 0:
		f = p.outTime / p.duration
	case p.frames > 0:
		f = float64(p.frame) / float64(p.frames)
	default:
		return 0
	}
	return min(max(f, 0), 1)
}

// parseClock reads HH:MM:SS.micro.
func parseClock(value string) (float64, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.ParseFloat(parts[0], 64)
	m, err2 := strconv.ParseFloat(parts[1], 64)
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 {
		return 0, false
	}
	return h*3600 + m*60 + s, true
}
