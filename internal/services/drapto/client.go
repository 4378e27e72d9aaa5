package drapto

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lattice/internal/services"
)

var commandContext = exec.CommandContext

// Event types emitted through ProgressUpdate.Type.
const (
	EventTypeStageProgress    = "stage_progress"
	EventTypeEncodingProgress = "encoding_progress"
	EventTypeEncodingComplete = "encoding_complete"
	EventTypeValidation       = "validation_complete"
	EventTypeWarning          = "warning"
	EventTypeError            = "error"
	EventTypeInfo             = "info"
)

// tailLines bounds how much non-JSON output is kept for failure messages.
const tailLines = 8

// ProgressUpdate captures Drapto progress events.
type ProgressUpdate struct {
	Type        string
	Percent     float64
	Stage       string
	Message     string
	ETA         time.Duration
	Speed       float64
	FPS         float64
	Bitrate     string
	TotalFrames int64
	Frame       int64
	OutputSize  int64
}

// Client defines Drapto encoding behaviour.
type Client interface {
	Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error)
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary = strings.TrimSpace(binary); binary != "" {
			c.binary = binary
		}
	}
}

// WithPreset sets the SVT-AV1 preset. Negative values leave drapto's default.
func WithPreset(preset int) Option {
	return func(c *CLI) {
		c.preset = preset
	}
}

// CLI runs the drapto binary and reads its --progress-json stream.
type CLI struct {
	binary string
	preset int
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "drapto", preset: -1}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

func (c *CLI) args(inputPath, outputDir string) []string {
	args := []string{"encode", "--input", inputPath, "--output", outputDir, "--responsive", "--progress-json"}
	if c.preset >= 0 {
		args = append(args, "--preset", strconv.Itoa(c.preset))
	}
	return args
}

// Encode runs one drapto encode and returns the path of the encoded file.
// Lines that are not progress events are kept as a short tail and attached
// to the error when drapto exits non-zero.
func (c *CLI) Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error) {
	outputDir = strings.TrimSpace(outputDir)
	if err := checkPaths(inputPath, outputDir); err != nil {
		return "", err
	}

	cmd := commandContext(ctx, c.binary, c.args(inputPath, outputDir)...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "drapto", "pipe", "", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "drapto", "start", c.binary, err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		update, ok := decodeEvent(scanner.Bytes())
		if !ok {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				tail = append(tail, line)
				if len(tail) > tailLines {
					tail = tail[1:]
				}
			}
			continue
		}
		if progress != nil {
			progress(update)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case waitErr != nil:
		return "", services.Wrap(services.ErrExternalTool, "drapto", "encode", strings.Join(tail, " | "), waitErr)
	case scanErr != nil:
		return "", services.Wrap(services.ErrExternalTool, "drapto", "read output", "", scanErr)
	}
	return OutputPath(inputPath, outputDir), nil
}

// decodeEvent parses one --progress-json line. ok is false for anything
// that is not a typed JSON object.
func decodeEvent(line []byte) (ProgressUpdate, bool) {
	var payload struct {
		Type        string  `json:"type"`
		Percent     float64 `json:"percent"`
		Stage       string  `json:"stage"`
		Message     string  `json:"message"`
		ETASeconds  float64 `json:"eta_seconds"`
		Speed       float64 `json:"speed"`
		FPS         float64 `json:"fps"`
		Bitrate     string  `json:"bitrate"`
		TotalFrames int64   `json:"total_frames"`
		Frame       int64   `json:"current_frame"`
		OutputSize  int64   `json:"output_size"`
	}
	if err := json.Unmarshal(line, &payload); err != nil || payload.Type == "" {
		return ProgressUpdate{}, false
	}
	return ProgressUpdate{
		Type:        payload.Type,
		Percent:     payload.Percent,
		Stage:       payload.Stage,
		Message:     payload.Message,
		ETA:         time.Duration(payload.ETASeconds * float64(time.Second)),
		Speed:       payload.Speed,
		FPS:         payload.FPS,
		Bitrate:     payload.Bitrate,
		TotalFrames: payload.TotalFrames,
		Frame:       payload.Frame,
		OutputSize:  payload.OutputSize,
	}, true
}

func checkPaths(inputPath, outputDir string) error {
	if strings.TrimSpace(inputPath) == "" {
		return services.Wrap(services.ErrValidation, "drapto", "encode", "input path required", nil)
	}
	if outputDir == "" {
		return services.Wrap(services.ErrValidation, "drapto", "encode", "output directory required", nil)
	}
	return nil
}

// OutputPath returns the file drapto writes for inputPath inside outputDir.
func OutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(strings.TrimSpace(outputDir), stem+".mkv")
}

var _ Client = (*CLI)(nil)
