package store

import (
	"strings"
	"time"
)

// FileStatus tracks where a file sits in the healthcheck/transcode pipeline.
type FileStatus string

const (
	FileIndexed             FileStatus = "indexed"
	FileHealthcheck         FileStatus = "healthcheck"
	FileHealthFailed        FileStatus = "health_failed"
	FileTranscode           FileStatus = "transcode"
	FileTranscodeSuccessful FileStatus = "transcode_successful"
	FileTranscodeFailed     FileStatus = "transcode_failed"
)

// JobType identifies which stage a job row currently represents.
type JobType string

const (
	JobHealthcheck JobType = "healthcheck"
	JobTranscode   JobType = "transcode"
)

// JobStatus is the scheduling state of a job row.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSuccessful JobStatus = "successful"
	JobError      JobStatus = "error"
)

// Library tree scopes.
const (
	ScopeSelected = "selected"
	ScopeAny      = "any"
)

var allJobStatuses = []JobStatus{JobQueued, JobProcessing, JobSuccessful, JobError}

// ParseJobType converts user input into a known JobType.
func ParseJobType(value string) (JobType, bool) {
	switch JobType(strings.ToLower(strings.TrimSpace(value))) {
	case JobHealthcheck:
		return JobHealthcheck, true
	case JobTranscode:
		return JobTranscode, true
	default:
		return "", false
	}
}

// ParseJobStatus converts user input into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allJobStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// InFlightStatus is the file status while a job of this type runs.
func (t JobType) InFlightStatus() FileStatus {
	if t == JobTranscode {
		return FileTranscode
	}
	return FileHealthcheck
}

// FailedStatus is the file status after a job of this type fails.
func (t JobType) FailedStatus() FileStatus {
	if t == JobTranscode {
		return FileTranscodeFailed
	}
	return FileHealthFailed
}

// IsLive reports whether a job still occupies the file's single live slot.
func (s JobStatus) IsLive() bool {
	return s == JobQueued || s == JobProcessing
}

// File is a media file known to a library.
type File struct {
	ID             int64
	LibraryID      int64
	Path           string
	Size           int64
	Status         FileStatus
	InitialMetrics string
	FinalMetrics   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// FilePath is one known location of a file. Exactly one path per file is current.
type FilePath struct {
	FileID    int64
	Path      string
	Current   bool
	CreatedAt time.Time
}

// Job is the reusable work row for a file.
type Job struct {
	ID                   int64
	FileID               int64
	FilePath             string
	Type                 JobType
	Status               JobStatus
	AssignedNodeID       string
	ProcessingType       string
	Accelerator          string
	RequestedAccelerator string
	GPUIndex             *int
	Progress             float64
	ProgressMessage      string
	Stage                string
	TranscodePayload     string
	ErrorMessage         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

// Candidate is a queued job joined with the library data the matcher needs.
type Candidate struct {
	Job
	LibraryID     int64
	NodeAllowList []string
}

// Node is a registered worker.
type Node struct {
	ID            string
	Name          string
	Platform      string
	LastHeartbeat time.Time
	Metrics       string
	Hardware      string
	Settings      NodeSettings
	Tags          []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NodeSettings holds coordinator-side overrides that cap what a node may claim.
type NodeSettings struct {
	HealthcheckCPU        *int  `json:"healthcheckCpu,omitempty"`
	HealthcheckGPU        *int  `json:"healthcheckGpu,omitempty"`
	TranscodeCPU          *int  `json:"transcodeCpu,omitempty"`
	TranscodeGPU          *int  `json:"transcodeGpu,omitempty"`
	HealthcheckGPUIndices []int `json:"healthcheckGpuIndices,omitempty"`
	TranscodeGPUIndices   []int `json:"transcodeGpuIndices,omitempty"`
}

// IsStale reports whether the node missed heartbeats past the cutoff.
func (n Node) IsStale(cutoff time.Time) bool {
	return n.LastHeartbeat.Before(cutoff)
}

// Tree is a named workflow with placement requirements. RequirementsJSON is
// the serialized graph.Requirements.
type Tree struct {
	ID               int64
	Name             string
	RequirementsJSON string
	LatestVersion    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TreeVersion is an immutable revision of a tree's graph.
type TreeVersion struct {
	TreeID    int64
	Version   int
	Graph     string
	CreatedAt time.Time
}

// Library groups files and decides which trees may transcode them.
type Library struct {
	ID            int64
	Name          string
	DefaultTreeID int64
	TreeScope     string
	NodeAllowList []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AllowsNode reports whether the library's allow-list admits the node.
func (l Library) AllowsNode(nodeID string) bool {
	return allowListAdmits(l.NodeAllowList, nodeID)
}

// AllowsNode reports whether the candidate's library admits the node.
func (c Candidate) AllowsNode(nodeID string) bool {
	return allowListAdmits(c.NodeAllowList, nodeID)
}

func allowListAdmits(list []string, nodeID string) bool {
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == nodeID {
			return true
		}
	}
	return false
}

// LogLine is one entry of a job's append-only NDJSON log.
type LogLine struct {
	TS    time.Time `json:"ts"`
	Stage string    `json:"stage"`
	Line  string    `json:"line"`
}

// FileReport carries metadata a node learned about a file during a run.
type FileReport struct {
	Size        int64
	Metrics     string
	Final       bool
	NewPath     string
	RemovePaths []string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
}

// HealthSummary aggregates job and file counts.
type HealthSummary struct {
	Jobs  map[JobStatus]int
	Files map[FileStatus]int
	Nodes int
}

// DatabaseHealth captures diagnostic information about the database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	Error            string
}
