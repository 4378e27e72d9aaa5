// Package logstream batches a running job's log lines and throttles its
// progress reports toward the coordinator.
package logstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"lattice/internal/api"
	"lattice/internal/config"
	"lattice/internal/logging"
	"lattice/internal/services"
)

// TruncatedSuffix marks a line cut at the configured maximum.
const TruncatedSuffix = "…[truncated]"

// lineOverhead approximates the JSON envelope around one line in a batch.
const lineOverhead = 64

// Client is the subset of the coordinator API the streamer uses.
type Client interface {
	Logs(ctx context.Context, jobID int64, req api.LogBatchRequest) error
	Progress(ctx context.Context, jobID int64, req api.ProgressRequest) error
}

// Options controls batching and throttling.
type Options struct {
	FlushInterval    time.Duration
	BatchBytes       int
	MaxLineBytes     int
	ProgressInterval time.Duration
	// OnConflict runs once when the coordinator rejects a call with a
	// conflict, meaning the job is no longer assigned to this node.
	OnConflict func()
	Logger     *slog.Logger
}

// OptionsFromConfig converts the streamer configuration section.
func OptionsFromConfig(cfg config.Streamer) Options {
	return Options{
		FlushInterval:    time.Duration(cfg.FlushIntervalMillis) * time.Millisecond,
		BatchBytes:       cfg.BatchBytes,
		MaxLineBytes:     cfg.MaxLineBytes,
		ProgressInterval: time.Duration(cfg.ProgressIntervalMillis) * time.Millisecond,
	}
}

// Streamer owns the outbound log queue of one job.
type Streamer struct {
	client Client
	jobID  int64
	nodeID string
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []api.LogLine
	gate  *progressGate

	flushMu      sync.Mutex
	conflictOnce sync.Once
	closeOnce    sync.Once
	stop         chan struct{}
	done         chan struct{}
}

// New starts a streamer whose timer flushes every opts.FlushInterval.
func New(client Client, jobID int64, nodeID string, opts Options) *Streamer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = 64 * 1024
	}
	if opts.MaxLineBytes <= 0 || opts.MaxLineBytes > opts.BatchBytes {
		opts.MaxLineBytes = opts.BatchBytes
	}
	s := &Streamer{
		client: client,
		jobID:  jobID,
		nodeID: nodeID,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "logstream").With(logging.JobID(jobID)),
		now:    time.Now,
		gate:   newProgressGate(opts.ProgressInterval, 5),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Streamer) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Log queues a line. It never blocks on the network.
func (s *Streamer) Log(stage, line string) {
	line = Truncate(line, s.opts.MaxLineBytes)
	s.mu.Lock()
	s.queue = append(s.queue, api.LogLine{TS: s.now().UTC(), Stage: stage, Line: line})
	s.mu.Unlock()
}

// Pending reports how many lines await delivery.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush sends queued lines in batches of at most BatchBytes until the queue
// drains or a call fails. Lines of a failed batch stay queued in order.
func (s *Streamer) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for {
		batch := s.nextBatch()
		if len(batch) == 0 {
			return nil
		}
		err := s.client.Logs(ctx, s.jobID, api.LogBatchRequest{NodeID: s.nodeID, Lines: batch})
		if err != nil {
			s.handleError(ctx, "log flush failed", err, logging.Int("pending", s.Pending()))
			return err
		}
		s.mu.Lock()
		s.queue = s.queue[len(batch):]
		s.mu.Unlock()
	}
}

func (s *Streamer) nextBatch() []api.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := 0
	n := 0
	for _, line := range s.queue {
		cost := len(line.Line) + len(line.Stage) + lineOverhead
		if n > 0 && size+cost > s.opts.BatchBytes {
			break
		}
		size += cost
		n++
	}
	return append([]api.LogLine(nil), s.queue[:n]...)
}

// Progress reports percent unless the previous report was sent less than
// ProgressInterval ago. A report of 100 is always sent.
func (s *Streamer) Progress(ctx context.Context, percent float64, stage string) {
	s.mu.Lock()
	send, logIt := s.gate.admit(s.now(), percent, stage)
	s.mu.Unlock()
	if !send {
		return
	}

	if logIt {
		s.logger.Info("job progress",
			logging.Float64("percent", percent),
			logging.String(logging.FieldStage, stage),
		)
	}
	err := s.client.Progress(ctx, s.jobID, api.ProgressRequest{NodeID: s.nodeID, Progress: percent, Stage: stage})
	if err != nil {
		s.handleError(ctx, "progress report failed", err, logging.Float64("percent", percent))
	}
}

func (s *Streamer) handleError(ctx context.Context, msg string, err error, attrs ...logging.Attr) {
	attrs = append(attrs,
		logging.Error(err),
		logging.String(logging.FieldErrorHint, services.FailureKind(err)),
		logging.String(logging.FieldImpact, "job output delayed"),
	)
	logging.WarnWithContext(logging.WithContext(ctx, s.logger), msg, "stream_error", attrs...)
	if errors.Is(err, services.ErrConflict) && s.opts.OnConflict != nil {
		s.conflictOnce.Do(s.opts.OnConflict)
	}
}

// Close stops the timer and makes a final flush attempt.
func (s *Streamer) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.Flush(ctx)
	})
	return err
}

// Truncate shortens line to at most limit bytes plus TruncatedSuffix,
// cutting on a rune boundary.
func Truncate(line string, limit int) string {
	if limit <= 0 || len(line) <= limit {
		return line
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + TruncatedSuffix
}
