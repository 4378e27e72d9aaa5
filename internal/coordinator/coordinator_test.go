package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lattice/internal/api"
	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/store"
	"lattice/internal/testsupport"
)

type harness struct {
	cfg    *config.Config
	store  *store.Store
	coord  *Coordinator
	server *httptest.Server
	token  string
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	coord, err := New(cfg, st, graph.StaticCatalog{"input": "1", "output": "1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(coord.Handler())
	t.Cleanup(srv.Close)
	return &harness{cfg: cfg, store: st, coord: coord, server: srv, token: cfg.Coordinator.APIToken}
}

func (h *harness) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) register(t *testing.T, nodeID string, active ...int64) api.RegisterResponse {
	t.Helper()
	var resp api.RegisterResponse
	status := h.call(t, http.MethodPost, api.PathRegister, api.RegisterRequest{
		NodeID:       nodeID,
		Name:         nodeID,
		Platform:     "linux",
		Hardware:     api.Hardware{CPUCount: 4, Accelerators: []string{"cpu"}},
		ActiveJobIDs: active,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("register returned %d", status)
	}
	return resp
}

func (h *harness) poll(t *testing.T, nodeID string, slots api.SlotCounts) []api.AssignedJob {
	t.Helper()
	var resp api.PollResponse
	status := h.call(t, http.MethodPost, api.PathPoll, api.PollRequest{
		NodeID:         nodeID,
		Slots:          slots,
		Accelerators:   []string{"cpu"},
		AllowTranscode: true,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("poll returned %d", status)
	}
	return resp.Jobs
}

func jobPath(id int64, action string) string {
	return api.JobPath(id, action)
}

func TestRejectsMissingOrWrongToken(t *testing.T) {
	h := newHarness(t)
	h.token = "wrong"
	if status := h.call(t, http.MethodGet, api.PathJobs, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", status)
	}

	resp, err := http.Get(h.server.URL + api.PathHealth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", resp.StatusCode)
	}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error != "unauthorized" {
		t.Fatalf("unexpected error body %+v err=%v", body, err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected a correlation id header")
	}
}

func TestFullJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	tree := testsupport.SaveTree(t, h.store, "passthrough", graph.Requirements{}, "")
	lib := testsupport.NewLibrary(t, h.store, store.Library{Name: "movies", DefaultTreeID: tree.TreeID})
	file, job := testsupport.EnqueueFile(t, h.store, lib.ID, "/media/a.mkv")

	h.register(t, "node-a")
	jobs := h.poll(t, "node-a", api.SlotCounts{HealthcheckCPU: 1, TranscodeCPU: 1})
	if len(jobs) != 1 || jobs[0].ID != job.ID || jobs[0].Type != string(store.JobHealthcheck) {
		t.Fatalf("expected healthcheck assignment, got %+v", jobs)
	}
	if jobs[0].Payload != nil || jobs[0].Path != "/media/a.mkv" {
		t.Fatalf("unexpected healthcheck assignment %+v", jobs[0])
	}

	progress := 40.0
	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionReport), api.FileReportRequest{
		NodeID:   "node-a",
		Fields:   api.FileFields{Size: 2048, Container: "matroska", VideoCodec: "h264"},
		Progress: &progress,
	}, nil); status != http.StatusOK {
		t.Fatalf("report returned %d", status)
	}
	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionLogs), api.LogBatchRequest{
		NodeID: "node-a",
		Lines:  []api.LogLine{{Stage: "probe", Line: "probed"}},
	}, nil); status != http.StatusOK {
		t.Fatalf("logs returned %d", status)
	}
	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionComplete), api.CompleteRequest{
		NodeID: "node-a", Outcome: "completed",
	}, nil); status != http.StatusOK {
		t.Fatalf("complete returned %d", status)
	}

	stored, err := h.store.GetFile(context.Background(), file.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetFile: %v", err)
	}
	if stored.Size != 2048 || !strings.Contains(stored.InitialMetrics, `"videoCodec":"h264"`) {
		t.Fatalf("expected reported metrics on file, got size=%d metrics=%s", stored.Size, stored.InitialMetrics)
	}
	if stored.Status != store.FileTranscode {
		t.Fatalf("expected file in transcode, got %s", stored.Status)
	}

	jobs = h.poll(t, "node-a", api.SlotCounts{TranscodeCPU: 1})
	if len(jobs) != 1 || jobs[0].ID != job.ID || jobs[0].Type != string(store.JobTranscode) {
		t.Fatalf("expected same row as transcode, got %+v", jobs)
	}
	if jobs[0].Payload == nil || jobs[0].Payload.TreeID != tree.TreeID || len(jobs[0].Payload.Graph.Nodes) != 2 {
		t.Fatalf("expected resolved payload, got %+v", jobs[0].Payload)
	}

	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionComplete), api.CompleteRequest{
		NodeID: "node-b", Outcome: "completed",
	}, nil); status != http.StatusConflict {
		t.Fatalf("expected 409 for foreign node, got %d", status)
	}
	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionComplete), api.CompleteRequest{
		NodeID: "node-a", Outcome: "completed",
	}, nil); status != http.StatusOK {
		t.Fatalf("transcode complete returned %d", status)
	}

	var listed api.JobsResponse
	if status := h.call(t, http.MethodGet, api.PathJobs+"?status=successful", nil, &listed); status != http.StatusOK {
		t.Fatalf("list returned %d", status)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].Progress != 100 || listed.Jobs[0].FinishedAt == "" {
		t.Fatalf("unexpected listing %+v", listed.Jobs)
	}
}

func TestValidationAndMissingResources(t *testing.T) {
	h := newHarness(t)

	if status := h.call(t, http.MethodPost, api.PathPoll, api.PollRequest{}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without node id, got %d", status)
	}
	if status := h.call(t, http.MethodPost, api.PathPoll, api.PollRequest{NodeID: "ghost", Slots: api.SlotCounts{HealthcheckCPU: 1}}, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered poll, got %d", status)
	}
	if status := h.call(t, http.MethodPost, api.PathHeartbeat, api.HeartbeatRequest{NodeID: "ghost"}, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered heartbeat, got %d", status)
	}
	if status := h.call(t, http.MethodPost, jobPath(99, api.ActionComplete), api.CompleteRequest{NodeID: "n", Outcome: "exploded"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad outcome, got %d", status)
	}
	if status := h.call(t, http.MethodPost, jobPath(99, api.ActionComplete), api.CompleteRequest{NodeID: "n", Outcome: "failed"}, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", status)
	}
	if status := h.call(t, http.MethodPost, api.PathJobs+"/abc/"+api.ActionProgress, api.ProgressRequest{NodeID: "n"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", status)
	}
	if status := h.call(t, http.MethodGet, api.PathJobs+"?status=nope", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", status)
	}
}

func TestRegisterReconcilesOrphans(t *testing.T) {
	h := newHarness(t)
	h.cfg.Coordinator.OrphanGraceSeconds = 0
	coord, err := New(h.cfg, h.store, graph.StaticCatalog{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(coord.Handler())
	defer srv.Close()
	h.server = srv

	lib := testsupport.NewLibrary(t, h.store, store.Library{Name: "shows"})
	file, job := testsupport.EnqueueFile(t, h.store, lib.ID, "/media/b.mkv")
	h.register(t, "node-a")
	if jobs := h.poll(t, "node-a", api.SlotCounts{HealthcheckCPU: 1}); len(jobs) != 1 {
		t.Fatalf("expected assignment, got %+v", jobs)
	}

	still := h.register(t, "node-a", job.ID)
	if len(still.Orphaned) != 0 {
		t.Fatalf("active job must not be orphaned, got %v", still.Orphaned)
	}
	resp := h.register(t, "node-a")
	if len(resp.Orphaned) != 1 || resp.Orphaned[0] != job.ID {
		t.Fatalf("expected job %d orphaned, got %v", job.ID, resp.Orphaned)
	}
	stored, _ := h.store.GetFile(context.Background(), file.ID)
	if stored.Status != store.FileHealthFailed {
		t.Fatalf("expected health_failed, got %s", stored.Status)
	}
}

func TestOperatorRequeueAndNodeListing(t *testing.T) {
	h := newHarness(t)
	lib := testsupport.NewLibrary(t, h.store, store.Library{Name: "music"})
	_, job := testsupport.EnqueueFile(t, h.store, lib.ID, "/media/c.flac")
	h.register(t, "node-a")
	h.poll(t, "node-a", api.SlotCounts{HealthcheckCPU: 1})

	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionRequeue), api.RequeueRequest{TargetType: "transcode"}, nil); status != http.StatusOK {
		t.Fatalf("requeue returned %d", status)
	}
	stored, _ := h.store.GetJob(context.Background(), job.ID)
	if stored.Status != store.JobQueued || stored.Type != store.JobTranscode || stored.AssignedNodeID != "" {
		t.Fatalf("unexpected requeued job %+v", stored)
	}
	if status := h.call(t, http.MethodPost, jobPath(job.ID, api.ActionRequeue), api.RequeueRequest{}, nil); status != http.StatusOK {
		t.Fatalf("requeue of queued job should be a no-op, got %d", status)
	}

	var nodes api.NodesResponse
	if status := h.call(t, http.MethodGet, api.PathNodes, nil, &nodes); status != http.StatusOK {
		t.Fatalf("nodes returned %d", status)
	}
	if len(nodes.Nodes) != 1 || nodes.Nodes[0].Stale || nodes.Nodes[0].Hardware == nil || nodes.Nodes[0].Hardware.CPUCount != 4 {
		t.Fatalf("unexpected nodes %+v", nodes.Nodes)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	lib := testsupport.NewLibrary(t, h.store, store.Library{Name: "lib"})
	testsupport.EnqueueFile(t, h.store, lib.ID, "/media/d.mkv")
	h.register(t, "node-a")

	var health api.HealthResponse
	if status := h.call(t, http.MethodGet, api.PathHealth, nil, &health); status != http.StatusOK {
		t.Fatalf("health returned %d", status)
	}
	if health.Status != "ok" || !health.Integrity || health.SchemaVersion == 0 {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Jobs["queued"] != 1 || health.Files["indexed"] != 1 || health.FreshNodes != 1 {
		t.Fatalf("unexpected counts %+v", health)
	}
}

func TestSecondCoordinatorCannotStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.coord.Stop()
	if h.coord.Addr() == "" {
		t.Fatal("expected bound address")
	}

	other, err := New(h.cfg, h.store, graph.StaticCatalog{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Start(ctx); err == nil {
		other.Stop()
		t.Fatal("expected lock contention error")
	}
}
