package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lattice/internal/config"
	"lattice/internal/logging"
	"lattice/internal/services"
	"lattice/internal/store"
)

// Outcome is how a node reports a finished run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ParseOutcome validates a reported outcome.
func ParseOutcome(value string) (Outcome, bool) {
	switch Outcome(strings.ToLower(strings.TrimSpace(value))) {
	case OutcomeCompleted:
		return OutcomeCompleted, true
	case OutcomeFailed:
		return OutcomeFailed, true
	default:
		return "", false
	}
}

// Stage is the job type as a lifecycle state with explicit transitions.
type Stage struct {
	typ store.JobType
}

// StageFor returns the stage for a job type.
func StageFor(t store.JobType) (Stage, error) {
	switch t {
	case store.JobHealthcheck, store.JobTranscode:
		return Stage{typ: t}, nil
	default:
		return Stage{}, services.Wrap(services.ErrValidation, "scheduler", "stage", fmt.Sprintf("unknown job type %q", t), nil)
	}
}

// Type returns the job type the stage represents.
func (s Stage) Type() store.JobType {
	return s.typ
}

// Complete is the transition for a finished run. A passing healthcheck hands
// the same row off to a fresh transcode; every other outcome is terminal.
func (s Stage) Complete(outcome Outcome, message string) store.Transition {
	if outcome == OutcomeCompleted {
		if s.typ == store.JobHealthcheck {
			return store.Transition{
				JobType:    store.JobTranscode,
				JobStatus:  store.JobQueued,
				FileStatus: store.FileTranscode,
				Release:    true,
				Log:        "healthcheck passed, queued for transcode",
			}
		}
		return store.Transition{
			JobType:    s.typ,
			JobStatus:  store.JobSuccessful,
			FileStatus: store.FileTranscodeSuccessful,
			Finish:     true,
			Log:        "transcode completed",
		}
	}
	if message == "" {
		message = fmt.Sprintf("%s failed", s.typ)
	}
	return store.Transition{
		JobType:    s.typ,
		JobStatus:  store.JobError,
		FileStatus: s.typ.FailedStatus(),
		Finish:     true,
		Message:    message,
		Log:        fmt.Sprintf("%s failed: %s", s.typ, message),
	}
}

// Requeue is the transition back to the queue under target.
func (s Stage) Requeue(target store.JobType) store.Transition {
	if target == "" {
		target = s.typ
	}
	return store.Transition{
		JobType:    target,
		JobStatus:  store.JobQueued,
		FileStatus: target.InFlightStatus(),
		Release:    true,
		Log:        fmt.Sprintf("requeued as %s", target),
	}
}

// Lifecycle applies node reports and recovery to job rows.
type Lifecycle struct {
	store       *store.Store
	logger      *slog.Logger
	now         func() time.Time
	orphanGrace time.Duration
	jobStale    time.Duration
	nodeStale   time.Duration
}

// NewLifecycle builds a lifecycle using the coordinator timing settings.
func NewLifecycle(st *store.Store, cfg config.Coordinator, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Lifecycle{
		store:       st,
		logger:      logging.NewComponentLogger(logger, "lifecycle"),
		now:         time.Now,
		orphanGrace: time.Duration(cfg.OrphanGraceSeconds) * time.Second,
		jobStale:    time.Duration(cfg.JobStaleSeconds) * time.Second,
		nodeStale:   time.Duration(cfg.NodeStaleSeconds) * time.Second,
	}
}

// NodeStaleCutoff is the heartbeat time before which a node counts as stale.
func (l *Lifecycle) NodeStaleCutoff() time.Time {
	return l.now().Add(-l.nodeStale)
}

// Complete records a node's final outcome for a processing job it holds.
func (l *Lifecycle) Complete(ctx context.Context, jobID int64, nodeID string, outcome Outcome, message string) error {
	job, err := l.heldJob(ctx, jobID, nodeID, "complete")
	if err != nil {
		return err
	}
	stage, err := StageFor(job.Type)
	if err != nil {
		return err
	}
	tr := stage.Complete(outcome, message)
	guard := store.Guard{Type: job.Type, Status: store.JobProcessing, NodeID: nodeID}
	if err := l.store.ApplyTransition(ctx, jobID, guard, tr); err != nil {
		return err
	}

	attrs := []logging.Attr{
		logging.JobID(jobID),
		logging.FileID(job.FileID),
		logging.NodeID(nodeID),
		logging.String("outcome", string(outcome)),
		logging.String("job_status", string(tr.JobStatus)),
		logging.String("file_status", string(tr.FileStatus)),
	}
	if outcome == OutcomeFailed {
		l.logger.Warn("job failed on node", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String(logging.FieldErrorHint, message),
		)...)...)
		return nil
	}
	l.logger.Info("job completed", logging.Args(append(attrs, logging.String(logging.FieldEventType, "job_completed"))...)...)
	return nil
}

// Requeue sends a job back to the queue as target (or its current type when
// target is empty). A queued job is left untouched. When nodeID is set the
// job must be processing on that node; an empty nodeID is an operator requeue
// of any job.
func (l *Lifecycle) Requeue(ctx context.Context, jobID int64, nodeID string, target store.JobType) error {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "scheduler", "requeue", fmt.Sprintf("job %d", jobID), nil)
	}
	if job.Status == store.JobQueued {
		return nil
	}
	if nodeID != "" && (job.Status != store.JobProcessing || job.AssignedNodeID != nodeID) {
		return services.Wrap(services.ErrConflict, "scheduler", "requeue", fmt.Sprintf("job %d is not running on node %s", jobID, nodeID), nil)
	}
	stage, err := StageFor(job.Type)
	if err != nil {
		return err
	}
	tr := stage.Requeue(target)
	guard := store.Guard{Type: job.Type, Status: job.Status, NodeID: nodeID}
	if err := l.store.ApplyTransition(ctx, jobID, guard, tr); err != nil {
		return err
	}
	l.logger.Info("job requeued",
		logging.JobID(jobID),
		logging.NodeID(nodeID),
		logging.String("from", string(job.Type)),
		logging.String("to", string(tr.JobType)),
		logging.String(logging.FieldEventType, "job_requeued"),
	)
	return nil
}

// ReconcileOrphans fails jobs the store believes run on nodeID but the node
// no longer reports as active, once they are older than the grace window.
func (l *Lifecycle) ReconcileOrphans(ctx context.Context, nodeID string, active []int64) ([]int64, error) {
	failed, err := l.store.FailOrphans(ctx, nodeID, active, l.now().Add(-l.orphanGrace), "orphaned: node no longer reports this job")
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(failed))
	for _, job := range failed {
		ids = append(ids, job.ID)
		logging.WarnWithContext(l.logger, "orphaned job failed", "job_orphaned",
			logging.JobID(job.ID),
			logging.FileID(job.FileID),
			logging.NodeID(nodeID),
			logging.String(logging.FieldImpact, "file marked "+string(job.Type.FailedStatus())),
		)
	}
	return ids, nil
}

func (l *Lifecycle) heldJob(ctx context.Context, jobID int64, nodeID, operation string) (*store.Job, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "scheduler", operation, fmt.Sprintf("job %d", jobID), nil)
	}
	if job.Status != store.JobProcessing || job.AssignedNodeID != nodeID {
		return nil, services.Wrap(services.ErrConflict, "scheduler", operation, fmt.Sprintf("job %d is not running on node %s", jobID, nodeID), nil)
	}
	return job, nil
}
