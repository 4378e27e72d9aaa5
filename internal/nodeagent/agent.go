package nodeagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lattice/internal/api"
	"lattice/internal/config"
	"lattice/internal/engine"
	"lattice/internal/logging"
	"lattice/internal/logstream"
	"lattice/internal/services"
)

// Coordinator is the API surface the agent calls.
type Coordinator interface {
	Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
	Poll(ctx context.Context, req api.PollRequest) (api.PollResponse, error)
	Report(ctx context.Context, jobID int64, req api.FileReportRequest) error
	Complete(ctx context.Context, jobID int64, req api.CompleteRequest) error
	Requeue(ctx context.Context, jobID int64, req api.RequeueRequest) error
	logstream.Client
}

// Runner executes one assigned job.
type Runner interface {
	Run(ctx context.Context, job engine.Job, sink engine.Sink) (engine.Result, error)
}

// Options wires an Agent.
type Options struct {
	Config *config.Config
	// NodeID overrides the configured or persisted identity.
	NodeID    string
	Client    Coordinator
	Runner    Runner
	Inventory *Inventory
	// Metrics samples resource usage; nil uses CollectMetrics.
	Metrics func(ctx context.Context) (api.NodeMetrics, error)
	Logger  *slog.Logger
}

// Agent is a running worker node.
type Agent struct {
	cfg       *config.Config
	nodeID    string
	client    Coordinator
	runner    Runner
	inventory *Inventory
	metrics   func(ctx context.Context) (api.NodeMetrics, error)
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	slots      *slotTable
	active     map[int64]*activeJob
	hardware   api.Hardware
	registered bool

	wg sync.WaitGroup
}

type activeJob struct {
	job       api.AssignedJob
	cancel    context.CancelFunc
	abandoned atomic.Bool
}

// abandon stops the run without reporting an outcome; the coordinator no
// longer considers this node the owner.
func (j *activeJob) abandon() {
	j.abandoned.Store(true)
	j.cancel()
}

// New validates options and builds an agent. It does not contact the
// coordinator.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil || opts.Client == nil || opts.Runner == nil {
		return nil, errors.New("node agent requires config, client, and runner")
	}
	cfg := opts.Config
	nodeID := opts.NodeID
	if nodeID == "" {
		id, err := ResolveNodeID(cfg.Node.ID, cfg.NodeIDPath())
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "node", "resolve id", "", err)
		}
		nodeID = id
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	inventory := opts.Inventory
	if inventory == nil {
		inventory = NewInventory(cfg.Node.NvidiaSMIBinary, cfg.Node.Accelerators)
	}
	metrics := opts.Metrics
	if metrics == nil {
		binary := cfg.Node.NvidiaSMIBinary
		metrics = func(ctx context.Context) (api.NodeMetrics, error) {
			return CollectMetrics(ctx, binary)
		}
	}
	return &Agent{
		cfg:       cfg,
		nodeID:    nodeID,
		client:    opts.Client,
		runner:    opts.Runner,
		inventory: inventory,
		metrics:   metrics,
		logger:    logging.NewComponentLogger(logger, "node").With(logging.NodeID(nodeID)),
		now:       time.Now,
		slots:     newSlotTable(cfg.Node),
		active:    make(map[int64]*activeJob),
	}, nil
}

// NodeID returns the identity the agent registers under.
func (a *Agent) NodeID() string {
	return a.nodeID
}

// Run holds the work directory lock, registers, and loops until ctx is
// cancelled. Running jobs are cancelled on shutdown and waited for; their
// outcome is left to orphan reconciliation.
func (a *Agent) Run(ctx context.Context) error {
	lock, err := acquireLock(a.cfg.NodeLockPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			a.logger.Warn("failed to release node lock", logging.Error(err))
		}
	}()

	ctx = services.WithNodeID(ctx, a.nodeID)
	a.refreshInventory(ctx)

	if err := a.register(ctx); err != nil {
		if errors.Is(err, services.ErrConfiguration) {
			return err
		}
		logging.WarnWithContext(a.logger, "initial registration failed; will retry", "register_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check node.coordinator_url and that the coordinator is running"),
		)
	}

	if a.cfg.Node.HotplugMonitor {
		monitor := newDRMMonitor(a.logger, func(ctx context.Context, _, _ string) {
			a.refreshInventory(ctx)
		})
		if err := monitor.Start(ctx); err == nil {
			defer monitor.Stop()
		}
	}

	pollTicker := time.NewTicker(time.Duration(a.cfg.Node.PollInterval) * time.Second)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(time.Duration(a.cfg.Node.HeartbeatInterval) * time.Second)
	defer heartbeatTicker.Stop()

	a.logger.Info("node agent started",
		logging.String(logging.FieldEventType, "node_started"),
		logging.Any("accelerators", a.Hardware().Accelerators),
	)
	a.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("node agent stopping", logging.Int("active_jobs", len(a.ActiveJobIDs())))
			a.Wait()
			return nil
		case <-pollTicker.C:
			a.poll(ctx)
		case <-heartbeatTicker.C:
			if err := a.heartbeatOnce(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(a.logger, "heartbeat failed", "heartbeat_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "coordinator may mark this node stale"),
				)
			}
		}
	}
}

// Wait blocks until every started job has finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// ActiveJobIDs returns running job ids in ascending order.
func (a *Agent) ActiveJobIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Hardware returns the last detected inventory.
func (a *Agent) Hardware() api.Hardware {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hardware
}

func (a *Agent) poll(ctx context.Context) {
	if _, err := a.pollOnce(ctx); err != nil && ctx.Err() == nil {
		logging.WarnWithContext(a.logger, "poll failed", "poll_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.FailureKind(err)),
		)
	}
}

// pollOnce offers free slots and starts every assigned job.
func (a *Agent) pollOnce(ctx context.Context) (int, error) {
	if !a.isRegistered() {
		if err := a.register(ctx); err != nil {
			return 0, err
		}
	}

	a.mu.Lock()
	slots, indices := a.slots.free(a.now())
	accelerators := append([]string(nil), a.hardware.Accelerators...)
	a.mu.Unlock()

	if slots.Total() == 0 {
		return 0, nil
	}
	resp, err := a.client.Poll(ctx, api.PollRequest{
		NodeID:         a.nodeID,
		Slots:          slots,
		GPUIndices:     indices,
		Accelerators:   accelerators,
		AllowTranscode: a.cfg.Node.AllowTranscode && slots.TranscodeCPU+slots.TranscodeGPU > 0,
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			a.setRegistered(false)
		}
		return 0, err
	}
	started := 0
	for _, job := range resp.Jobs {
		if a.start(ctx, job) {
			started++
		}
	}
	return started, nil
}

func (a *Agent) start(ctx context.Context, job api.AssignedJob) bool {
	a.mu.Lock()
	if _, dup := a.active[job.ID]; dup {
		a.mu.Unlock()
		return false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	aj := &activeJob{job: job, cancel: cancel}
	a.active[job.ID] = aj
	a.slots.acquire(job, a.now())
	a.mu.Unlock()

	a.wg.Add(1)
	go a.runJob(jobCtx, aj)
	return true
}

func (a *Agent) finish(aj *activeJob) {
	aj.cancel()
	a.mu.Lock()
	delete(a.active, aj.job.ID)
	a.slots.release(aj.job)
	a.mu.Unlock()
}

// runJob executes one job and reports its outcome. Logs are flushed before
// the outcome so the coordinator has the full log when the job settles.
func (a *Agent) runJob(ctx context.Context, aj *activeJob) {
	defer a.wg.Done()
	defer a.finish(aj)

	job := aj.job
	ctx = services.WithStage(services.WithJobID(ctx, job.ID), job.Type)
	logger := logging.WithContext(ctx, a.logger)

	opts := logstream.OptionsFromConfig(a.cfg.Streamer)
	opts.OnConflict = aj.abandon
	opts.Logger = a.logger
	stream := logstream.New(a.client, job.ID, a.nodeID, opts)
	sink := &jobSink{stream: stream, client: a.client, jobID: job.ID, nodeID: a.nodeID, onConflict: aj.abandon}

	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_started"),
		logging.FileID(job.FileID),
		logging.String("processing_type", job.ProcessingType),
		logging.String("accelerator", job.Accelerator),
	)
	started := a.now()
	result, runErr := a.runner.Run(ctx, engineJob(job), sink)
	if runErr != nil {
		stream.Log("error", runErr.Error())
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.requestTimeout())
	defer cancel()
	_ = stream.Close(finishCtx)

	elapsed := a.now().Sub(started)
	switch {
	case aj.abandoned.Load():
		logging.WarnWithContext(logger, "job abandoned; coordinator reassigned or failed it", "job_abandoned",
			logging.Duration("elapsed", elapsed),
			logging.String(logging.FieldImpact, "no outcome reported for this run"),
		)
		return
	case ctx.Err() != nil && runErr != nil:
		logger.Info("job interrupted by shutdown", logging.Duration("elapsed", elapsed))
		return
	}

	var err error
	switch {
	case runErr != nil:
		logging.WarnWithContext(logger, "job failed", "job_failed",
			logging.Error(runErr),
			logging.String(logging.FieldErrorHint, services.FailureKind(runErr)),
			logging.Duration("elapsed", elapsed),
		)
		err = a.client.Complete(finishCtx, job.ID, api.CompleteRequest{NodeID: a.nodeID, Outcome: "failed", Error: runErr.Error()})
	case result.Requeue:
		logger.Info("job requeued by tree",
			logging.String(logging.FieldEventType, "job_requeued"),
			logging.String("target_type", result.RequeueType),
			logging.Duration("elapsed", elapsed),
		)
		err = a.client.Requeue(finishCtx, job.ID, api.RequeueRequest{NodeID: a.nodeID, TargetType: result.RequeueType})
	default:
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_completed"),
			logging.Duration("elapsed", elapsed),
		)
		err = a.client.Complete(finishCtx, job.ID, api.CompleteRequest{NodeID: a.nodeID, Outcome: "completed"})
	}
	if err != nil {
		logging.ErrorWithContext(logger, "failed to report job outcome", "job_outcome_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "coordinator will reconcile this job as orphaned"),
		)
	}
}

func (a *Agent) requestTimeout() time.Duration {
	if a.cfg.Node.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.cfg.Node.RequestTimeout) * time.Second
}

// register announces the node with its hardware and active jobs.
func (a *Agent) register(ctx context.Context) error {
	metrics := a.sampleMetrics(ctx)
	resp, err := a.client.Register(ctx, api.RegisterRequest{
		NodeID:       a.nodeID,
		Name:         a.cfg.Node.Name,
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Hardware:     a.Hardware(),
		Tags:         a.cfg.Node.Tags,
		Metrics:      metrics,
		ActiveJobIDs: a.ActiveJobIDs(),
	})
	if err != nil {
		return err
	}
	a.setRegistered(true)
	a.logger.Info("registered with coordinator",
		logging.String(logging.FieldEventType, "node_registered"),
		logging.Int("orphaned", len(resp.Orphaned)),
	)
	a.abandonOrphans(resp.Orphaned)
	return nil
}

func (a *Agent) heartbeatOnce(ctx context.Context) error {
	if !a.isRegistered() {
		return a.register(ctx)
	}
	resp, err := a.client.Heartbeat(ctx, api.HeartbeatRequest{
		NodeID:       a.nodeID,
		Metrics:      a.sampleMetrics(ctx),
		Tags:         a.cfg.Node.Tags,
		ActiveJobIDs: a.ActiveJobIDs(),
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			a.setRegistered(false)
			return a.register(ctx)
		}
		return err
	}
	a.abandonOrphans(resp.Orphaned)
	return nil
}

// abandonOrphans stops local runs the coordinator has already failed.
func (a *Agent) abandonOrphans(ids []int64) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	var stale []*activeJob
	for _, id := range ids {
		if aj, ok := a.active[id]; ok {
			stale = append(stale, aj)
		}
	}
	a.mu.Unlock()
	for _, aj := range stale {
		logging.WarnWithContext(a.logger, "coordinator failed a running job as orphaned", "job_orphaned",
			logging.JobID(aj.job.ID),
		)
		aj.abandon()
	}
}

func (a *Agent) sampleMetrics(ctx context.Context) api.NodeMetrics {
	metrics, err := a.metrics(ctx)
	if err != nil {
		a.logger.Debug("metrics sample failed", logging.Error(err))
	}
	return metrics
}

// refreshInventory re-detects hardware. A change in accelerators or render
// nodes forces a re-registration so the coordinator sees the new inventory.
func (a *Agent) refreshInventory(ctx context.Context) {
	hw := a.inventory.Detect(ctx)
	a.mu.Lock()
	changed := !slices.Equal(a.hardware.Accelerators, hw.Accelerators) || !slices.Equal(a.hardware.RenderNodes, hw.RenderNodes)
	wasKnown := a.hardware.Accelerators != nil
	a.hardware = hw
	if changed && wasKnown {
		a.registered = false
	}
	a.mu.Unlock()
	if changed {
		a.logger.Info("hardware inventory updated",
			logging.String(logging.FieldEventType, "inventory_updated"),
			logging.Any("accelerators", hw.Accelerators),
			logging.Int("gpus", len(hw.GPUs)),
			logging.Int("render_nodes", len(hw.RenderNodes)),
		)
	}
}

func (a *Agent) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *Agent) setRegistered(v bool) {
	a.mu.Lock()
	a.registered = v
	a.mu.Unlock()
}
