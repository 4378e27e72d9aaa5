package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lattice/internal/logging"
)

// SweepStale fails processing jobs that stopped updating while their node is
// missing or stale.
func (l *Lifecycle) SweepStale(ctx context.Context) (int, error) {
	if l.jobStale <= 0 {
		return 0, nil
	}
	now := l.now()
	failed, err := l.store.FailStale(ctx, now.Add(-l.jobStale), now.Add(-l.nodeStale), "stale: no progress and node unresponsive")
	if err != nil {
		return 0, err
	}
	for _, job := range failed {
		logging.WarnWithContext(l.logger, "stale job failed", "job_stale",
			logging.JobID(job.ID),
			logging.FileID(job.FileID),
			logging.String(logging.FieldImpact, "file marked "+string(job.Type.FailedStatus())),
		)
	}
	return len(failed), nil
}

// SweepGarbage removes jobs whose file or library is gone.
func (l *Lifecycle) SweepGarbage(ctx context.Context) (int64, error) {
	reaped, err := l.store.ReapGarbage(ctx)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		l.logger.Info("reaped orphaned jobs",
			logging.Int64("count", reaped),
			logging.String(logging.FieldEventType, "job_garbage_collected"),
		)
	}
	return reaped, nil
}

// Sweeper runs the stale and garbage sweeps on an interval.
type Sweeper struct {
	lifecycle *Lifecycle
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a sweeper. A non-positive interval disables it.
func NewSweeper(lifecycle *Lifecycle, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		lifecycle: lifecycle,
		interval:  interval,
		logger:    logging.NewComponentLogger(logger, "sweeper"),
	}
}

// SweepOnce runs both sweeps, logging rather than returning failures.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if _, err := s.lifecycle.SweepStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stale sweep failed", logging.Error(err))
	}
	if _, err := s.lifecycle.SweepGarbage(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("garbage sweep failed", logging.Error(err))
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
