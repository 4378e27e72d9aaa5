package api

import (
	"encoding/json"
	"time"

	"lattice/internal/graph"
	"lattice/internal/store"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// FromJob converts a job row to its listing view.
func FromJob(job *store.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:              job.ID,
		FileID:          job.FileID,
		Path:            job.FilePath,
		Type:            string(job.Type),
		Status:          string(job.Status),
		AssignedNodeID:  job.AssignedNodeID,
		ProcessingType:  job.ProcessingType,
		Accelerator:     job.Accelerator,
		GPUIndex:        job.GPUIndex,
		Progress:        job.Progress,
		ProgressMessage: job.ProgressMessage,
		Stage:           job.Stage,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		StartedAt:       formatTimePtr(job.StartedAt),
		FinishedAt:      formatTimePtr(job.FinishedAt),
	}
}

// FromJobs converts a slice of job rows.
func FromJobs(jobs []*store.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromAssignedJob converts a freshly assigned job, decoding its payload.
func FromAssignedJob(job *store.Job) (AssignedJob, error) {
	payload, err := graph.DecodePayload(job.TranscodePayload)
	if err != nil {
		return AssignedJob{}, err
	}
	return AssignedJob{
		ID:             job.ID,
		FileID:         job.FileID,
		Type:           string(job.Type),
		Path:           job.FilePath,
		ProcessingType: job.ProcessingType,
		Accelerator:    job.Accelerator,
		GPUIndex:       job.GPUIndex,
		Payload:        payload,
	}, nil
}

// FromNode converts a node row; nodes whose heartbeat precedes staleCutoff
// are flagged stale.
func FromNode(node *store.Node, staleCutoff time.Time) Node {
	if node == nil {
		return Node{}
	}
	dto := Node{
		ID:            node.ID,
		Name:          node.Name,
		Platform:      node.Platform,
		LastHeartbeat: formatTime(node.LastHeartbeat),
		Stale:         node.IsStale(staleCutoff),
		Tags:          node.Tags,
	}
	if node.Metrics != "" {
		var metrics NodeMetrics
		if err := json.Unmarshal([]byte(node.Metrics), &metrics); err == nil {
			dto.Metrics = &metrics
		}
	}
	if node.Hardware != "" {
		var hw Hardware
		if err := json.Unmarshal([]byte(node.Hardware), &hw); err == nil {
			dto.Hardware = &hw
		}
	}
	return dto
}

// ToLogLines converts streamed lines to store entries.
func ToLogLines(lines []LogLine) []store.LogLine {
	out := make([]store.LogLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, store.LogLine{TS: line.TS, Stage: line.Stage, Line: line.Line})
	}
	return out
}
