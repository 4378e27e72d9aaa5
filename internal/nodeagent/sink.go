package nodeagent

import (
	"context"
	"errors"

	"lattice/internal/api"
	"lattice/internal/engine"
	"lattice/internal/logstream"
	"lattice/internal/services"
)

// jobSink feeds one run's logs and progress into its streamer and sends
// file reports straight to the coordinator.
type jobSink struct {
	stream     *logstream.Streamer
	client     Coordinator
	jobID      int64
	nodeID     string
	onConflict func()
}

func (s *jobSink) Log(stage, line string) {
	s.stream.Log(stage, line)
}

func (s *jobSink) Progress(ctx context.Context, percent float64, stage string) {
	s.stream.Progress(ctx, percent, stage)
}

func (s *jobSink) Report(ctx context.Context, report engine.FileReport) error {
	err := s.client.Report(ctx, s.jobID, api.FileReportRequest{
		NodeID:      s.nodeID,
		Fields:      report.Fields,
		PathMetrics: report.PathMetrics,
		RemovePaths: report.RemovePaths,
		Final:       report.Final,
	})
	if errors.Is(err, services.ErrConflict) && s.onConflict != nil {
		s.onConflict()
	}
	return err
}

func engineJob(job api.AssignedJob) engine.Job {
	return engine.Job{
		ID:             job.ID,
		FileID:         job.FileID,
		Type:           job.Type,
		Path:           job.Path,
		ProcessingType: job.ProcessingType,
		Accelerator:    job.Accelerator,
		GPUIndex:       job.GPUIndex,
		Payload:        job.Payload,
	}
}
