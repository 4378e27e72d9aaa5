package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"lattice/internal/ffmpeg"
	"lattice/internal/graph"
	"lattice/internal/media/ffprobe"
	"lattice/internal/services"
)

// Job kinds as they arrive from the coordinator.
const (
	JobHealthcheck = "healthcheck"
	JobTranscode   = "transcode"
)

// Job is an assignment to execute.
type Job struct {
	ID             int64
	FileID         int64
	Type           string
	Path           string
	ProcessingType string
	Accelerator    string
	GPUIndex       *int
	Payload        *graph.Payload
}

// Context is the per-run state shared by the elements of one job. It is
// owned by a single run and never persisted.
type Context struct {
	Job          Job
	OriginalPath string
	// InputPath is the file elements read; elements that replace or move the
	// source update it.
	InputPath    string
	Probe        ffprobe.Result
	Params       *ffmpeg.Params
	OutputPath   string
	FinalPath    string
	BackupPath   string
	TempDir      string
	Accelerators []string
	// Values lets elements hand data to later elements in the same run.
	Values map[string]string
}

// Accelerator is the accelerator assigned to this run, or "cpu".
func (c *Context) Accelerator() string {
	if c.Job.Accelerator == "" {
		return "cpu"
	}
	return c.Job.Accelerator
}

// UsesGPU reports whether the job was placed in a GPU slot.
func (c *Context) UsesGPU() bool {
	return c.Job.ProcessingType == "gpu"
}

// DefaultOutputPath is where encoders write unless configured otherwise.
func (c *Context) DefaultOutputPath() string {
	base := filepath.Base(c.OriginalPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(c.TempDir, stem+".lattice"+c.Params.OutputExtension())
}

// Prober inspects a media file.
type Prober func(ctx context.Context, path string) (ffprobe.Result, error)

// FFprobe returns a Prober backed by the ffprobe binary.
func FFprobe(binary string) Prober {
	return func(ctx context.Context, path string) (ffprobe.Result, error) {
		return ffprobe.Inspect(ctx, binary, path)
	}
}

// Builder assembles execution contexts.
type Builder struct {
	workDir      string
	probe        Prober
	accelerators []string
}

// NewBuilder creates scratch directories under workDir.
func NewBuilder(workDir string, probe Prober, accelerators []string) *Builder {
	return &Builder{workDir: workDir, probe: probe, accelerators: accelerators}
}

// Build verifies the job's file exists, probes it, and allocates a scratch
// directory. The returned cleanup removes that directory and must always run.
func (b *Builder) Build(ctx context.Context, job Job) (*Context, func(), error) {
	noop := func() {}
	info, err := os.Stat(job.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, noop, services.Wrap(services.ErrValidation, "context", "stat source", fmt.Sprintf("file %s does not exist", job.Path), nil)
		}
		return nil, noop, services.Wrap(services.ErrTransient, "context", "stat source", job.Path, err)
	}
	if info.IsDir() {
		return nil, noop, services.Wrap(services.ErrValidation, "context", "stat source", fmt.Sprintf("%s is a directory", job.Path), nil)
	}

	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return nil, noop, services.Wrap(services.ErrConfiguration, "context", "create work dir", b.workDir, err)
	}
	tempDir, err := os.MkdirTemp(b.workDir, fmt.Sprintf("job-%d-", job.ID))
	if err != nil {
		return nil, noop, services.Wrap(services.ErrConfiguration, "context", "create temp dir", b.workDir, err)
	}
	cleanup := func() { _ = os.RemoveAll(tempDir) }

	result, err := b.probe(ctx, job.Path)
	if err != nil {
		cleanup()
		return nil, noop, services.Wrap(services.ErrExternalTool, "context", "probe source", job.Path, err)
	}

	ec := &Context{
		Job:          job,
		OriginalPath: job.Path,
		InputPath:    job.Path,
		Probe:        result,
		Params:       ffmpeg.NewParams(job.Path),
		TempDir:      tempDir,
		Accelerators: append([]string(nil), b.accelerators...),
		Values:       make(map[string]string),
	}
	return ec, cleanup, nil
}
