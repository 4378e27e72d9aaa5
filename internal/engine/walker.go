package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"lattice/internal/api"
	"lattice/internal/ffmpeg"
	"lattice/internal/graph"
	"lattice/internal/logging"
	"lattice/internal/media/ffprobe"
	"lattice/internal/services"
)

// Sink receives the observable output of a run.
type Sink interface {
	Log(stage, line string)
	Progress(ctx context.Context, percent float64, stage string)
	Report(ctx context.Context, report FileReport) error
}

// Walker follows a payload graph and dispatches each node to its handler.
type Walker struct {
	registry         *Registry
	runner           *ffmpeg.Runner
	probe            Prober
	progressInterval time.Duration
	logger           *slog.Logger
}

// NewWalker creates a walker. progressInterval throttles progress reports.
func NewWalker(registry *Registry, runner *ffmpeg.Runner, probe Prober, progressInterval time.Duration, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Walker{
		registry:         registry,
		runner:           runner,
		probe:            probe,
		progressInterval: progressInterval,
		logger:           logger,
	}
}

// Walk executes g from its input node. It returns the terminal Result of the
// element that ended the run; a walk that runs out of edges is a success.
func (w *Walker) Walk(ctx context.Context, ec *Context, g graph.Graph, sink Sink) (Result, error) {
	current, err := g.InputNode()
	if err != nil {
		return Result{}, services.Wrap(services.ErrValidation, "walker", "find input", "", err)
	}

	total := 0
	for _, node := range g.Nodes {
		total += w.registry.Weight(node.ElementType)
	}
	progress := newProgressTracker(sink, total, w.progressInterval)
	// Each node may run up to node count + 10 times, so retry loops finish
	// while a runaway cycle trips the first node to exceed it.
	limit := len(g.Nodes) + 10
	visits := make(map[string]int, len(g.Nodes))

	for {
		visits[current.ID]++
		if visits[current.ID] > limit {
			return Result{}, services.Wrap(services.ErrValidation, "walker", "walk", fmt.Sprintf("possible cycle: node %q visited more than %d times in a %d node graph", current.ID, limit, len(g.Nodes)), nil)
		}

		handler, ok := w.registry.Lookup(current.ElementType)
		if !ok {
			return Result{}, services.Wrap(services.ErrValidation, "walker", "dispatch", fmt.Sprintf("unsupported element %q", current.ElementType), nil)
		}
		weight := w.registry.Weight(current.ElementType)
		stepCtx := services.WithElement(services.WithStage(ctx, current.ElementType), current.ElementType)
		logger := logging.WithContext(stepCtx, w.logger)
		logger.Debug("element started",
			logging.String("node", current.ID),
			logging.Int("visit", visits[current.ID]),
			logging.Int("weight", weight),
		)
		sink.Log(current.ElementType, fmt.Sprintf("running %s (%s)", current.ElementType, current.ID))

		tools := &runTools{
			walker:   w,
			sink:     sink,
			stage:    current.ElementType,
			progress: func(fraction float64) { progress.step(stepCtx, weight, fraction, current.ElementType) },
		}
		result, err := handler.Execute(stepCtx, ec, current.Config, tools)
		if err != nil {
			return Result{}, fmt.Errorf("element %s (%s): %w", current.ElementType, current.ID, err)
		}
		progress.finish(stepCtx, weight, current.ElementType)

		if result.Complete || result.Requeue {
			progress.flush(ctx, current.ElementType)
			return result, nil
		}
		nextID, ok := g.Next(current.ID, result.NextHandle)
		if !ok {
			logger.Debug("graph ended without an output element", logging.String("node", current.ID))
			progress.flush(ctx, current.ElementType)
			return Result{Complete: true}, nil
		}
		next, ok := g.Node(nextID)
		if !ok {
			return Result{}, services.Wrap(services.ErrValidation, "walker", "walk", fmt.Sprintf("edge from %q targets unknown node %q", current.ID, nextID), nil)
		}
		current = next
	}
}

// progressTracker converts per-element fractions into a weighted percentage.
type progressTracker struct {
	sink      Sink
	total     float64
	completed float64
	interval  time.Duration
	last      time.Time
	lastPct   float64
	now       func() time.Time
}

func newProgressTracker(sink Sink, total int, interval time.Duration) *progressTracker {
	if total <= 0 {
		total = 1
	}
	return &progressTracker{sink: sink, total: float64(total), interval: interval, lastPct: -1, now: time.Now}
}

func (p *progressTracker) percent(weight int, fraction float64) float64 {
	fraction = min(max(fraction, 0), 1)
	pct := (p.completed + float64(weight)*fraction) / p.total * 100
	return min(max(pct, 0), 100)
}

func (p *progressTracker) step(ctx context.Context, weight int, fraction float64, stage string) {
	p.emit(ctx, p.percent(weight, fraction), stage, false)
}

func (p *progressTracker) finish(ctx context.Context, weight int, stage string) {
	p.completed += float64(weight)
	p.emit(ctx, p.percent(0, 0), stage, false)
}

func (p *progressTracker) flush(ctx context.Context, stage string) {
	p.emit(ctx, 100, stage, true)
}

func (p *progressTracker) emit(ctx context.Context, pct float64, stage string, force bool) {
	if pct == p.lastPct {
		return
	}
	now := p.now()
	if !force && pct < 100 && p.interval > 0 && !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.lastPct = pct
	p.sink.Progress(ctx, pct, stage)
}

// runTools implements Tools for one element.
type runTools struct {
	walker   *Walker
	sink     Sink
	stage    string
	progress func(float64)
	mu       sync.Mutex
}

func (t *runTools) Log(line string) {
	t.sink.Log(t.stage, line)
}

func (t *runTools) Progress(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress(fraction)
}

func (t *runTools) Report(ctx context.Context, report FileReport) error {
	return t.sink.Report(ctx, report)
}

func (t *runTools) Probe(ctx context.Context, path string) (ffprobe.Result, error) {
	result, err := t.walker.probe(ctx, path)
	if err != nil {
		return ffprobe.Result{}, services.Wrap(services.ErrExternalTool, t.stage, "probe", path, err)
	}
	return result, nil
}

func (t *runTools) RunFFmpeg(ctx context.Context, args []string, duration float64, frames int64) error {
	if t.walker.runner == nil {
		return services.Wrap(services.ErrConfiguration, t.stage, "run ffmpeg", "no ffmpeg runner configured", nil)
	}
	return t.walker.runner.Run(ctx, args, ffmpeg.RunOptions{
		Duration:   duration,
		Frames:     frames,
		OnProgress: t.Progress,
		OnLine:     t.Log,
	})
}

func (t *runTools) PathMetrics(path string) api.PathMetrics {
	return PathMetrics(path)
}

// PathMetrics stats path without failing when it is missing.
func PathMetrics(path string) api.PathMetrics {
	metrics := api.PathMetrics{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return metrics
	}
	metrics.Exists = true
	metrics.Size = info.Size()
	return metrics
}
