package main

import (
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"lattice/internal/coordinator"
	"lattice/internal/elements"
	"lattice/internal/graph"
	"lattice/internal/logging"
	"lattice/internal/store"
	"lattice/internal/testsupport"
)

// startCoordinator serves the real API over env's database and points the
// CLI config at it.
func startCoordinator(t *testing.T, env *cliTestEnv) *store.Store {
	t.Helper()
	st := testsupport.MustOpenStore(t, env.cfg)
	coord, err := coordinator.New(env.cfg, st, elements.Catalog(nil), logging.NewNop())
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	srv := httptest.NewServer(coord.Handler())
	t.Cleanup(srv.Close)
	env.cfg.Node.CoordinatorURL = srv.URL
	writeTestConfig(t, env.configPath, env.cfg)
	return st
}

func TestJobsAndNodesThroughAPI(t *testing.T) {
	env := setupCLITestEnv(t, "")
	st := startCoordinator(t, env)

	tv := testsupport.SaveTree(t, st, "copy", graph.Requirements{}, "")
	lib := testsupport.NewLibrary(t, st, store.Library{Name: "tv", DefaultTreeID: tv.TreeID})
	path := filepath.Join(env.baseDir, "show.mkv")
	_, job := testsupport.EnqueueFile(t, st, lib.ID, path)
	testsupport.RegisterNode(t, st, "worker-1", "rack1")

	out, _, err := runCLI(t, []string{"jobs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "healthcheck")
	requireContains(t, out, "queued")
	requireContains(t, out, path)

	out, _, err = runCLI(t, []string{"jobs", "list", "--status", "error"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list --status error: %v", err)
	}
	requireContains(t, out, "No jobs")

	if _, _, err := runCLI(t, []string{"jobs", "list", "--status", "stuck"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	out, _, err = runCLI(t, []string{"jobs", "list", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list --json: %v", err)
	}
	requireContains(t, out, `"fileId"`)

	out, _, err = runCLI(t, []string{"jobs", "requeue", strconv.FormatInt(job.ID, 10)}, env.configPath)
	if err != nil {
		t.Fatalf("jobs requeue: %v", err)
	}
	requireContains(t, out, "Requeued job")

	if _, _, err := runCLI(t, []string{"jobs", "requeue", "9999"}, env.configPath); err == nil {
		t.Fatal("expected requeue of unknown job to fail")
	}
	if _, _, err := runCLI(t, []string{"jobs", "requeue", "abc"}, env.configPath); err == nil {
		t.Fatal("expected invalid job id to fail")
	}

	out, _, err = runCLI(t, []string{"nodes", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("nodes list: %v", err)
	}
	requireContains(t, out, "worker-1")
	requireContains(t, out, "fresh")
	requireContains(t, out, "rack1")

	out, _, err = runCLI(t, []string{"coordinator", "health"}, env.configPath)
	if err != nil {
		t.Fatalf("coordinator health: %v", err)
	}
	requireContains(t, out, "Status:")
	requireContains(t, out, "Queued")
}

func TestAPICommandsRejectWrongToken(t *testing.T) {
	env := setupCLITestEnv(t, "")
	startCoordinator(t, env)

	env.cfg.Node.APIToken = "wrong"
	writeTestConfig(t, env.configPath, env.cfg)

	if _, _, err := runCLI(t, []string{"nodes", "list"}, env.configPath); err == nil {
		t.Fatal("expected unauthorized request to fail")
	}
}

func TestNodeCheckOfflineReportsMissingBinaries(t *testing.T) {
	env := setupCLITestEnv(t, "http://127.0.0.1:1")
	t.Setenv("PATH", t.TempDir())

	out, _, err := runCLI(t, []string{"node", "check", "--offline"}, env.configPath)
	if err == nil {
		t.Fatal("expected missing ffmpeg to fail the check")
	}
	requireContains(t, out, "FFmpeg")
	requireContains(t, out, "Work directory")
}
