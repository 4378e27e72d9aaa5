package coordinator

import (
	"encoding/json"
	"net/http"
	"strings"

	"lattice/internal/api"
	"lattice/internal/logging"
	"lattice/internal/scheduler"
	"lattice/internal/services"
	"lattice/internal/store"
)

func (c *Coordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	if !c.requireNode(w, req.NodeID) {
		return
	}
	hardware, err := json.Marshal(req.Hardware)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid hardware")
		return
	}
	metrics, err := json.Marshal(req.Metrics)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid metrics")
		return
	}
	ctx := services.WithNodeID(r.Context(), req.NodeID)
	node, err := c.store.RegisterNode(ctx, store.Node{
		ID:       req.NodeID,
		Name:     strings.TrimSpace(req.Name),
		Platform: strings.TrimSpace(req.Platform),
		Hardware: string(hardware),
		Metrics:  string(metrics),
		Tags:     req.Tags,
	})
	if err != nil {
		c.fail(w, r, err)
		return
	}
	orphaned, err := c.lifecycle.ReconcileOrphans(ctx, req.NodeID, req.ActiveJobIDs)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	logging.WithContext(ctx, c.logger).Info("node registered",
		logging.String("name", node.Name),
		logging.String("platform", node.Platform),
		logging.Any("accelerators", req.Hardware.Accelerators),
		logging.Int("active_jobs", len(req.ActiveJobIDs)),
		logging.Int("orphaned", len(orphaned)),
		logging.String(logging.FieldEventType, "node_registered"),
	)
	c.writeJSON(w, http.StatusOK, api.RegisterResponse{Orphaned: nonNil(orphaned)})
}

func (c *Coordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	if !c.requireNode(w, req.NodeID) {
		return
	}
	metrics, err := json.Marshal(req.Metrics)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid metrics")
		return
	}
	ctx := services.WithNodeID(r.Context(), req.NodeID)
	if err := c.store.TouchNode(ctx, req.NodeID, string(metrics), req.Tags); err != nil {
		c.fail(w, r, err)
		return
	}
	orphaned, err := c.lifecycle.ReconcileOrphans(ctx, req.NodeID, req.ActiveJobIDs)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, api.HeartbeatResponse{Orphaned: nonNil(orphaned)})
}

func (c *Coordinator) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := c.store.ListNodes(r.Context())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	cutoff := c.lifecycle.NodeStaleCutoff()
	out := make([]api.Node, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, api.FromNode(node, cutoff))
	}
	c.writeJSON(w, http.StatusOK, api.NodesResponse{Nodes: out})
}

func (c *Coordinator) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req api.PollRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	if !c.requireNode(w, req.NodeID) {
		return
	}
	ctx := services.WithNodeID(r.Context(), req.NodeID)
	jobs, err := c.matcher.Poll(ctx, scheduler.PollRequest{
		NodeID: req.NodeID,
		Capacity: scheduler.Capacity{
			HealthcheckCPU:        req.Slots.HealthcheckCPU,
			HealthcheckGPU:        req.Slots.HealthcheckGPU,
			TranscodeCPU:          req.Slots.TranscodeCPU,
			TranscodeGPU:          req.Slots.TranscodeGPU,
			HealthcheckGPUIndices: req.GPUIndices.Healthcheck,
			TranscodeGPUIndices:   req.GPUIndices.Transcode,
		},
		Accelerators:   req.Accelerators,
		AllowTranscode: req.AllowTranscode,
	})
	if err != nil && len(jobs) == 0 {
		c.fail(w, r, err)
		return
	}
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "poll stopped early", "poll_partial",
			logging.Int("assigned", len(jobs)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "remaining candidates wait for the next poll"),
		)
	}

	resp := api.PollResponse{Jobs: make([]api.AssignedJob, 0, len(jobs))}
	for _, job := range jobs {
		assigned, err := api.FromAssignedJob(job)
		if err != nil {
			c.fail(w, r, err)
			return
		}
		resp.Jobs = append(resp.Jobs, assigned)
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
