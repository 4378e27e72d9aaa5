package api

import (
	"strconv"
	"time"

	"lattice/internal/graph"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Route paths served by the coordinator.
const (
	PathRegister  = "/api/v1/nodes/register"
	PathHeartbeat = "/api/v1/nodes/heartbeat"
	PathNodes     = "/api/v1/nodes"
	PathPoll      = "/api/v1/jobs/poll"
	PathJobs      = "/api/v1/jobs"
	PathHealth    = "/api/v1/health"
)

// Job action suffixes under /api/v1/jobs/{id}/.
const (
	ActionProgress = "progress"
	ActionReport   = "report"
	ActionLogs     = "logs"
	ActionComplete = "complete"
	ActionRequeue  = "requeue"
)

// RequestIDHeader carries the correlation id between node and coordinator.
const RequestIDHeader = "X-Request-ID"

// JobPath returns the route for action on job id.
func JobPath(id int64, action string) string {
	return PathJobs + "/" + strconv.FormatInt(id, 10) + "/" + action
}

// Hardware is the static inventory a node reports on registration.
type Hardware struct {
	CPUModel     string    `json:"cpuModel,omitempty"`
	CPUCount     int       `json:"cpuCount"`
	GPUs         []GPUInfo `json:"gpus,omitempty"`
	RenderNodes  []string  `json:"renderNodes,omitempty"`
	Accelerators []string  `json:"accelerators"`
}

// GPUInfo identifies one GPU device.
type GPUInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	UUID   string `json:"uuid,omitempty"`
}

// NodeMetrics is a point-in-time resource snapshot.
type NodeMetrics struct {
	Load1         float64      `json:"load1"`
	Load5         float64      `json:"load5"`
	Load15        float64      `json:"load15"`
	MemTotalBytes uint64       `json:"memTotalBytes"`
	MemFreeBytes  uint64       `json:"memFreeBytes"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	CPUCount      int          `json:"cpuCount"`
	GPUs          []GPUMetrics `json:"gpus,omitempty"`
}

// GPUMetrics is a utilization sample for one GPU.
type GPUMetrics struct {
	Index          int     `json:"index"`
	Name           string  `json:"name,omitempty"`
	UtilizationPct float64 `json:"utilizationPct"`
	MemoryUsedMiB  float64 `json:"memoryUsedMiB"`
	MemoryTotalMiB float64 `json:"memoryTotalMiB"`
}

// RegisterRequest announces a node and the jobs it is currently running.
type RegisterRequest struct {
	NodeID       string      `json:"nodeId"`
	Name         string      `json:"name"`
	Platform     string      `json:"platform"`
	Hardware     Hardware    `json:"hardware"`
	Tags         []string    `json:"tags"`
	Metrics      NodeMetrics `json:"metrics"`
	ActiveJobIDs []int64     `json:"activeJobIds"`
}

// RegisterResponse lists jobs the coordinator failed as orphans.
type RegisterResponse struct {
	Orphaned []int64 `json:"orphaned"`
}

// HeartbeatRequest refreshes liveness, metrics, and the active job list.
type HeartbeatRequest struct {
	NodeID       string      `json:"nodeId"`
	Metrics      NodeMetrics `json:"metrics"`
	Tags         []string    `json:"tags,omitempty"`
	ActiveJobIDs []int64     `json:"activeJobIds"`
}

// HeartbeatResponse lists jobs the coordinator failed as orphans.
type HeartbeatResponse struct {
	Orphaned []int64 `json:"orphaned"`
}

// SlotCounts are free slots per category and kind.
type SlotCounts struct {
	HealthcheckCPU int `json:"healthcheckCpu"`
	HealthcheckGPU int `json:"healthcheckGpu"`
	TranscodeCPU   int `json:"transcodeCpu"`
	TranscodeGPU   int `json:"transcodeGpu"`
}

// Total sums every slot.
func (s SlotCounts) Total() int {
	return s.HealthcheckCPU + s.HealthcheckGPU + s.TranscodeCPU + s.TranscodeGPU
}

// GPUIndices are explicit free device indices per category.
type GPUIndices struct {
	Healthcheck []int `json:"healthcheck,omitempty"`
	Transcode   []int `json:"transcode,omitempty"`
}

// PollRequest asks for work that fits the offered slots.
type PollRequest struct {
	NodeID         string     `json:"nodeId"`
	Slots          SlotCounts `json:"slots"`
	GPUIndices     GPUIndices `json:"gpuIndices"`
	Accelerators   []string   `json:"accelerators"`
	AllowTranscode bool       `json:"allowTranscode"`
}

// AssignedJob is a job handed to a node, with its payload for transcodes.
type AssignedJob struct {
	ID             int64          `json:"id"`
	FileID         int64          `json:"fileId"`
	Type           string         `json:"type"`
	Path           string         `json:"path"`
	ProcessingType string         `json:"processingType"`
	Accelerator    string         `json:"accelerator"`
	GPUIndex       *int           `json:"gpuIndex,omitempty"`
	Payload        *graph.Payload `json:"payload,omitempty"`
}

// PollResponse carries the assigned jobs.
type PollResponse struct {
	Jobs []AssignedJob `json:"jobs"`
}

// ProgressRequest reports weighted progress for a running job.
type ProgressRequest struct {
	NodeID   string  `json:"nodeId"`
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`
	Log      string  `json:"log,omitempty"`
}

// FileFields is probed metadata about a file.
type FileFields struct {
	Size          int64    `json:"size,omitempty"`
	Container     string   `json:"container,omitempty"`
	VideoCodec    string   `json:"videoCodec,omitempty"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	Duration      float64  `json:"duration,omitempty"`
	FrameCount    int64    `json:"frameCount,omitempty"`
	Bitrate       int64    `json:"bitrate,omitempty"`
	AudioCodecs   []string `json:"audioCodecs,omitempty"`
	AudioCount    int      `json:"audioCount,omitempty"`
	SubtitleCount int      `json:"subtitleCount,omitempty"`
	NewPath       string   `json:"newPath,omitempty"`
}

// HasMetrics reports whether any probe-derived field is set. NewPath is not
// a metric.
func (f FileFields) HasMetrics() bool {
	return f.Size != 0 || f.Container != "" || f.VideoCodec != "" ||
		f.Width != 0 || f.Height != 0 || f.Duration != 0 || f.FrameCount != 0 ||
		f.Bitrate != 0 || len(f.AudioCodecs) > 0 || f.AudioCount != 0 || f.SubtitleCount != 0
}

// PathMetrics describes one path observed during a run.
type PathMetrics struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Exists bool   `json:"exists"`
}

// FileReportRequest records file metadata learned by a node.
type FileReportRequest struct {
	NodeID      string        `json:"nodeId"`
	Fields      FileFields    `json:"fields"`
	PathMetrics []PathMetrics `json:"pathMetrics,omitempty"`
	RemovePaths []string      `json:"removePaths,omitempty"`
	Final       bool          `json:"final"`
	Progress    *float64      `json:"progress,omitempty"`
	Log         string        `json:"log,omitempty"`
}

// LogLine is one streamed log entry.
type LogLine struct {
	TS    time.Time `json:"ts"`
	Stage string    `json:"stage"`
	Line  string    `json:"line"`
}

// LogBatchRequest appends lines to a job log.
type LogBatchRequest struct {
	NodeID string    `json:"nodeId"`
	Lines  []LogLine `json:"lines"`
}

// CompleteRequest reports the final outcome of a run.
type CompleteRequest struct {
	NodeID  string `json:"nodeId"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// RequeueRequest sends a job back to the queue, optionally as another type.
type RequeueRequest struct {
	NodeID     string `json:"nodeId,omitempty"`
	TargetType string `json:"targetType,omitempty"`
}

// StatusResponse acknowledges a mutating call.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Job is the listing view of a job row.
type Job struct {
	ID              int64   `json:"id"`
	FileID          int64   `json:"fileId"`
	Path            string  `json:"path"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	AssignedNodeID  string  `json:"assignedNodeId,omitempty"`
	ProcessingType  string  `json:"processingType,omitempty"`
	Accelerator     string  `json:"accelerator,omitempty"`
	GPUIndex        *int    `json:"gpuIndex,omitempty"`
	Progress        float64 `json:"progress"`
	ProgressMessage string  `json:"progressMessage,omitempty"`
	Stage           string  `json:"stage,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	CreatedAt       string  `json:"createdAt,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
	StartedAt       string  `json:"startedAt,omitempty"`
	FinishedAt      string  `json:"finishedAt,omitempty"`
}

// JobsResponse wraps a job listing.
type JobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// Node is the listing view of a registered node.
type Node struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Platform      string       `json:"platform,omitempty"`
	LastHeartbeat string       `json:"lastHeartbeat,omitempty"`
	Stale         bool         `json:"stale"`
	Tags          []string     `json:"tags,omitempty"`
	Metrics       *NodeMetrics `json:"metrics,omitempty"`
	Hardware      *Hardware    `json:"hardware,omitempty"`
}

// NodesResponse wraps a node listing.
type NodesResponse struct {
	Nodes []Node `json:"nodes"`
}

// HealthResponse summarizes coordinator health.
type HealthResponse struct {
	Status        string         `json:"status"`
	SchemaVersion int            `json:"schemaVersion"`
	Integrity     bool           `json:"integrity"`
	Jobs          map[string]int `json:"jobs"`
	Files         map[string]int `json:"files"`
	FreshNodes    int            `json:"freshNodes"`
	Error         string         `json:"error,omitempty"`
}
