package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"lattice/internal/api"
	"lattice/internal/logging"
	"lattice/internal/scheduler"
	"lattice/internal/services"
	"lattice/internal/store"
)

// fileMetrics is the JSON persisted as a file's initial or final metrics.
type fileMetrics struct {
	api.FileFields
	PathMetrics []api.PathMetrics `json:"pathMetrics,omitempty"`
}

func (c *Coordinator) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	var req api.ProgressRequest
	if !c.decode(w, r, &req) || !c.requireNode(w, req.NodeID) {
		return
	}
	if err := c.store.UpdateProgress(r.Context(), id, req.NodeID, req.Progress, req.Stage, req.Log); err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeOK(w)
}

func (c *Coordinator) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	var req api.FileReportRequest
	if !c.decode(w, r, &req) || !c.requireNode(w, req.NodeID) {
		return
	}
	ctx := services.WithJobID(services.WithNodeID(r.Context(), req.NodeID), id)

	fields := req.Fields
	newPath := strings.TrimSpace(fields.NewPath)
	fields.NewPath = ""
	report := store.FileReport{
		Size:        req.Fields.Size,
		Final:       req.Final,
		NewPath:     newPath,
		RemovePaths: req.RemovePaths,
	}
	if fields.HasMetrics() {
		metrics, err := json.Marshal(fileMetrics{FileFields: fields, PathMetrics: req.PathMetrics})
		if err != nil {
			c.writeError(w, http.StatusBadRequest, "invalid fields")
			return
		}
		report.Metrics = string(metrics)
	}
	if err := c.store.ReportFile(ctx, id, req.NodeID, report); err != nil {
		c.fail(w, r, err)
		return
	}
	if req.Progress != nil {
		if err := c.store.UpdateProgress(ctx, id, req.NodeID, *req.Progress, "", req.Log); err != nil {
			c.fail(w, r, err)
			return
		}
	}
	if newPath != "" {
		logging.WithContext(ctx, c.logger).Info("file path updated",
			logging.String("path", newPath),
			logging.String(logging.FieldEventType, "file_moved"),
		)
	}
	c.writeOK(w)
}

func (c *Coordinator) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	var req api.LogBatchRequest
	if !c.decode(w, r, &req) || !c.requireNode(w, req.NodeID) {
		return
	}
	if err := c.store.AppendLog(r.Context(), id, req.NodeID, api.ToLogLines(req.Lines)); err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeOK(w)
}

func (c *Coordinator) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	var req api.CompleteRequest
	if !c.decode(w, r, &req) || !c.requireNode(w, req.NodeID) {
		return
	}
	outcome, valid := scheduler.ParseOutcome(req.Outcome)
	if !valid {
		c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid outcome %q", req.Outcome))
		return
	}
	ctx := services.WithJobID(services.WithNodeID(r.Context(), req.NodeID), id)
	if err := c.lifecycle.Complete(ctx, id, req.NodeID, outcome, req.Error); err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeOK(w)
}

func (c *Coordinator) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	var req api.RequeueRequest
	if !c.decode(w, r, &req) {
		return
	}
	var target store.JobType
	if value := strings.TrimSpace(req.TargetType); value != "" {
		parsed, valid := store.ParseJobType(value)
		if !valid {
			c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target type %q", req.TargetType))
			return
		}
		target = parsed
	}
	ctx := services.WithJobID(r.Context(), id)
	if err := c.lifecycle.Requeue(ctx, id, strings.TrimSpace(req.NodeID), target); err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeOK(w)
}

func (c *Coordinator) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter store.JobFilter
	if value := strings.TrimSpace(query.Get("status")); value != "" {
		status, valid := store.ParseJobStatus(value)
		if !valid {
			c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", value))
			return
		}
		filter.Status = status
	}
	if value := strings.TrimSpace(query.Get("type")); value != "" {
		jobType, valid := store.ParseJobType(value)
		if !valid {
			c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid type %q", value))
			return
		}
		filter.Type = jobType
	}
	if value := strings.TrimSpace(query.Get("limit")); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			c.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	jobs, err := c.store.ListJobs(r.Context(), filter)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, api.JobsResponse{Jobs: api.FromJobs(jobs)})
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{Status: "ok", Jobs: map[string]int{}, Files: map[string]int{}}
	health, err := c.store.CheckHealth(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	resp.SchemaVersion = health.SchemaVersion
	resp.Integrity = health.IntegrityCheck
	if health.Error != "" || !health.IntegrityCheck || len(health.MissingTables) > 0 {
		resp.Status = "degraded"
		resp.Error = health.Error
	}
	summary, err := c.store.Health(r.Context(), c.lifecycle.NodeStaleCutoff())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	for status, count := range summary.Jobs {
		resp.Jobs[string(status)] = count
	}
	for status, count := range summary.Files {
		resp.Files[string(status)] = count
	}
	resp.FreshNodes = summary.Nodes
	c.writeJSON(w, http.StatusOK, resp)
}
