package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lattice/internal/api"
	"lattice/internal/ffmpeg"
	"lattice/internal/logging"
	"lattice/internal/services"
)

// Engine runs jobs end to end.
type Engine struct {
	registry *Registry
	builder  *Builder
	walker   *Walker
	runner   *ffmpeg.Runner
	logger   *slog.Logger
}

// Options configures an Engine.
type Options struct {
	WorkDir          string
	Accelerators     []string
	Probe            Prober
	Runner           *ffmpeg.Runner
	ProgressInterval time.Duration
	Logger           *slog.Logger
}

// New builds an engine over registry.
func New(registry *Registry, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "engine")
	if opts.Probe == nil {
		opts.Probe = FFprobe("")
	}
	return &Engine{
		registry: registry,
		builder:  NewBuilder(opts.WorkDir, opts.Probe, opts.Accelerators),
		walker:   NewWalker(registry, opts.Runner, opts.Probe, opts.ProgressInterval, logger),
		runner:   opts.Runner,
		logger:   logger,
	}
}

// Registry exposes the element registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run executes job. The scratch directory is removed before Run returns.
func (e *Engine) Run(ctx context.Context, job Job, sink Sink) (Result, error) {
	ctx = services.WithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, e.logger)

	if job.Type == JobTranscode {
		if job.Payload == nil {
			return Result{}, services.Wrap(services.ErrValidation, "engine", "run", "transcode job has no payload", nil)
		}
		if err := e.registry.CheckBundle(job.Payload.Bundle); err != nil {
			return Result{}, err
		}
	}

	ec, cleanup, err := e.builder.Build(ctx, job)
	defer cleanup()
	if err != nil {
		return Result{}, err
	}
	sink.Log("context", fmt.Sprintf("probed %s: %s %s, %.1fs", job.Path, ec.Probe.Container(), ec.Probe.VideoCodec(), ec.Probe.DurationSeconds()))

	switch job.Type {
	case JobHealthcheck:
		if err := e.healthcheck(ctx, ec, sink); err != nil {
			return Result{}, err
		}
		return Result{Complete: true}, nil
	case JobTranscode:
		logger.Info("walking tree",
			logging.Int64("tree_id", job.Payload.TreeID),
			logging.Int("tree_version", job.Payload.TreeVersion),
			logging.Int("nodes", len(job.Payload.Graph.Nodes)),
		)
		return e.walker.Walk(ctx, ec, job.Payload.Graph, sink)
	default:
		return Result{}, services.Wrap(services.ErrValidation, "engine", "run", fmt.Sprintf("unknown job type %q", job.Type), nil)
	}
}

// healthcheck decodes the source and reports its probed metadata.
func (e *Engine) healthcheck(ctx context.Context, ec *Context, sink Sink) error {
	const stage = "healthcheck"
	ctx = services.WithStage(ctx, stage)
	if ec.Probe.VideoStreamCount() == 0 && ec.Probe.AudioStreamCount() == 0 {
		return services.Wrap(services.ErrValidation, stage, "probe", "no audio or video streams", nil)
	}
	if e.runner == nil {
		return services.Wrap(services.ErrConfiguration, stage, "decode", "no ffmpeg runner configured", nil)
	}
	progress := newProgressTracker(sink, 10, 0)
	progress.step(ctx, 0, 0, stage)

	sink.Log(stage, fmt.Sprintf("decode check using %s", ec.Accelerator()))
	args := ffmpeg.DecodeCheckArgs(ec.InputPath, decodeAccelerator(ec), ec.Job.GPUIndex)
	err := e.runner.Run(ctx, args, ffmpeg.RunOptions{
		Duration:          ec.Probe.DurationSeconds(),
		Frames:            ec.Probe.FrameCount(),
		OnProgress:        func(f float64) { progress.step(ctx, 9, f, stage) },
		OnLine:            func(line string) { sink.Log(stage, line) },
		FailOnErrorOutput: true,
	})
	if err != nil {
		return err
	}
	progress.finish(ctx, 9, stage)

	if err := sink.Report(ctx, FileReport{Fields: ProbeFields(ec), PathMetrics: []api.PathMetrics{PathMetrics(ec.InputPath)}}); err != nil {
		return err
	}
	progress.flush(ctx, stage)
	return nil
}

func decodeAccelerator(ec *Context) string {
	if !ec.UsesGPU() {
		return "cpu"
	}
	return ec.Accelerator()
}

// ProbeFields summarizes the context's probe as report fields.
func ProbeFields(ec *Context) api.FileFields {
	return FieldsFromProbe(ec.Probe, PathMetrics(ec.InputPath).Size)
}
