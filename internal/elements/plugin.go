package elements

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"lattice/internal/config"
	"lattice/internal/engine"
	"lattice/internal/services"
)

var commandContext = exec.CommandContext

// Plugin runs an element as a subprocess. The process receives a JSON
// document {config, context} on stdin. Every stdout line but the last may be
// {"progress": fraction} or free text; the last non-empty line is the
// element's result. Stderr lines are forwarded to the job log.
type Plugin struct {
	def config.Plugin
}

// NewPlugin wraps a configured plugin.
func NewPlugin(def config.Plugin) *Plugin {
	return &Plugin{def: def}
}

func (p *Plugin) Type() string    { return p.def.Type }
func (p *Plugin) Version() string { return p.def.Version }

func (p *Plugin) Weight() int {
	if p.def.Weight <= 0 {
		return 1
	}
	return p.def.Weight
}

// PluginContext is the run state exposed to plugins.
type PluginContext struct {
	JobID          int64             `json:"jobId"`
	FileID         int64             `json:"fileId"`
	JobType        string            `json:"jobType"`
	OriginalPath   string            `json:"originalPath"`
	InputPath      string            `json:"inputPath"`
	OutputPath     string            `json:"outputPath,omitempty"`
	FinalPath      string            `json:"finalPath,omitempty"`
	TempDir        string            `json:"tempDir"`
	ProcessingType string            `json:"processingType,omitempty"`
	Accelerator    string            `json:"accelerator"`
	GPUIndex       *int              `json:"gpuIndex,omitempty"`
	Values         map[string]string `json:"values,omitempty"`
}

type pluginRequest struct {
	Config  json.RawMessage `json:"config"`
	Context PluginContext   `json:"context"`
}

type pluginResponse struct {
	engine.Result
	OutputPath string            `json:"outputPath,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
}

// Execute runs the plugin process to completion.
func (p *Plugin) Execute(ctx context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	if len(p.def.Command) == 0 {
		return engine.Result{}, services.Wrap(services.ErrConfiguration, p.def.Type, "plugin", "command is empty", nil)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	input, err := json.Marshal(pluginRequest{
		Config: raw,
		Context: PluginContext{
			JobID:          ec.Job.ID,
			FileID:         ec.Job.FileID,
			JobType:        ec.Job.Type,
			OriginalPath:   ec.OriginalPath,
			InputPath:      ec.InputPath,
			OutputPath:     ec.OutputPath,
			FinalPath:      ec.FinalPath,
			TempDir:        ec.TempDir,
			ProcessingType: ec.Job.ProcessingType,
			Accelerator:    ec.Accelerator(),
			GPUIndex:       ec.Job.GPUIndex,
			Values:         ec.Values,
		},
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("encode plugin input: %w", err)
	}

	cmd := commandContext(ctx, p.def.Command[0], p.def.Command[1:]...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return engine.Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return engine.Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return engine.Result{}, services.Wrap(services.ErrExternalTool, p.def.Type, "start plugin", p.def.Command[0], err)
	}

	var (
		wg      sync.WaitGroup
		last    string
		lastErr string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		forEachLine(stdout, func(line string) {
			if last != "" {
				p.intermediate(last, tools)
			}
			last = line
		})
	}()
	go func() {
		defer wg.Done()
		forEachLine(stderr, func(line string) {
			lastErr = line
			tools.Log(line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return engine.Result{}, services.Wrap(services.ErrTimeout, p.def.Type, "plugin", "interrupted", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return engine.Result{}, services.Wrap(services.ErrExternalTool, p.def.Type, "plugin", fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), lastErr), nil)
		}
		return engine.Result{}, services.Wrap(services.ErrExternalTool, p.def.Type, "plugin", lastErr, err)
	}
	if last == "" {
		return engine.Result{}, nil
	}
	var resp pluginResponse
	if err := json.Unmarshal([]byte(last), &resp); err != nil {
		return engine.Result{}, services.Wrap(services.ErrExternalTool, p.def.Type, "decode result", last, err)
	}
	if resp.OutputPath != "" {
		ec.OutputPath = resp.OutputPath
	}
	for k, v := range resp.Values {
		ec.Values[k] = v
	}
	return resp.Result, nil
}

func (p *Plugin) intermediate(line string, tools engine.Tools) {
	var msg struct {
		Progress *float64 `json:"progress"`
	}
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &msg) == nil && msg.Progress != nil {
		tools.Progress(*msg.Progress)
		return
	}
	tools.Log(line)
}

func forEachLine(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}
