package store_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lattice/internal/graph"
	"lattice/internal/services"
	"lattice/internal/store"
	"lattice/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	health, err := st.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.SchemaVersion != 1 || len(health.MissingTables) != 0 {
		t.Fatalf("unexpected schema state: %+v", health)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	reopened.Close()
}

func TestOpenRejectsForeignSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	st.Close()

	tamper := func(stmt string) {
		t.Helper()
		db, err := sql.Open("sqlite", cfg.DatabasePath())
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		defer db.Close()
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	tamper("UPDATE schema_version SET version = 99")
	_, err = store.Open(cfg)
	if !errors.Is(err, store.ErrSchemaMismatch) || !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}

	tamper("UPDATE schema_version SET version = 1")
	tamper("DROP TABLE nodes")
	_, err = store.Open(cfg)
	if !errors.Is(err, store.ErrSchemaMismatch) || !strings.Contains(err.Error(), "nodes") {
		t.Fatalf("expected missing table error naming nodes, got %v", err)
	}
}

func TestEnqueueFileQueuesHealthcheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	file, job := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")

	if file.Status != store.FileIndexed || file.Path != "/media/a.mkv" {
		t.Fatalf("unexpected file: %+v", file)
	}
	if job.Type != store.JobHealthcheck || job.Status != store.JobQueued || job.FileID != file.ID {
		t.Fatalf("unexpected job: %+v", job)
	}

	if _, _, err := st.EnqueueFile(ctx, lib.ID, "/media/a.mkv", 1); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for duplicate path, got %v", err)
	}
	if _, _, err := st.EnqueueFile(ctx, lib.ID+100, "/media/b.mkv", 1); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for missing library, got %v", err)
	}
}

func TestAssignJobIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	file, job := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := st.AssignJob(ctx, store.Assignment{JobID: job.ID, NodeID: "node", ProcessingType: "cpu", Accelerator: "cpu"})
			if err != nil {
				t.Errorf("AssignJob %d: %v", n, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one assignment, got %d", wins)
	}

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil || fetched == nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.Status != store.JobProcessing || fetched.AssignedNodeID != "node" || fetched.StartedAt == nil {
		t.Fatalf("unexpected assigned job: %+v", fetched)
	}
	if fetched.TranscodePayload != "" {
		t.Fatalf("healthcheck job should not carry a payload: %q", fetched.TranscodePayload)
	}
	updatedFile, _ := st.GetFile(ctx, file.ID)
	if updatedFile.Status != store.FileHealthcheck {
		t.Fatalf("expected file in healthcheck, got %s", updatedFile.Status)
	}

	log, err := st.JobLog(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobLog: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("expected empty log without assignment line, got %+v", log)
	}
}

func TestApplyTransitionGuardsOwnership(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	file, job := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")
	gpu := 1
	if ok, err := st.AssignJob(ctx, store.Assignment{JobID: job.ID, NodeID: "node-a", ProcessingType: "gpu", Accelerator: "nvidia", GPUIndex: &gpu, Log: "run started"}); err != nil || !ok {
		t.Fatalf("AssignJob: ok=%v err=%v", ok, err)
	}

	handoff := store.Transition{
		JobType:    store.JobTranscode,
		JobStatus:  store.JobQueued,
		FileStatus: store.FileTranscode,
		Release:    true,
		Log:        "healthcheck passed",
	}
	guard := store.Guard{Type: store.JobHealthcheck, Status: store.JobProcessing, NodeID: "node-b"}
	if err := st.ApplyTransition(ctx, job.ID, guard, handoff); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for foreign node, got %v", err)
	}
	if err := st.ApplyTransition(ctx, job.ID+50, guard, handoff); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	guard.NodeID = "node-a"
	if err := st.ApplyTransition(ctx, job.ID, guard, handoff); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if fetched.Type != store.JobTranscode || fetched.Status != store.JobQueued {
		t.Fatalf("unexpected job after hand-off: %+v", fetched)
	}
	if fetched.AssignedNodeID != "" || fetched.GPUIndex != nil || fetched.Progress != 0 || fetched.StartedAt != nil {
		t.Fatalf("expected released binding, got %+v", fetched)
	}
	updatedFile, _ := st.GetFile(ctx, file.ID)
	if updatedFile.Status != store.FileTranscode {
		t.Fatalf("expected file in transcode, got %s", updatedFile.Status)
	}
	log, _ := st.JobLog(ctx, job.ID)
	if len(log) != 2 || log[0].Line != "run started" || log[1].Stage != "system" {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestReportFileKeepsPriorPathsResolvable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	file, job := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.avi")
	if ok, err := st.AssignJob(ctx, store.Assignment{JobID: job.ID, NodeID: "node"}); err != nil || !ok {
		t.Fatalf("AssignJob: ok=%v err=%v", ok, err)
	}

	report := store.FileReport{Size: 2048, Metrics: `{"container":"matroska"}`, Final: true, NewPath: "/media/a.mkv"}
	if err := st.ReportFile(ctx, job.ID, "other", report); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for foreign node, got %v", err)
	}
	if err := st.ReportFile(ctx, job.ID, "node", report); err != nil {
		t.Fatalf("ReportFile: %v", err)
	}

	updated, _ := st.GetFile(ctx, file.ID)
	if updated.Path != "/media/a.mkv" || updated.Size != 2048 || updated.FinalMetrics == "" {
		t.Fatalf("unexpected file after report: %+v", updated)
	}
	old, err := st.FindFileByPath(ctx, "/media/a.avi")
	if err != nil || old == nil || old.ID != file.ID {
		t.Fatalf("expected prior path to resolve, got %+v err=%v", old, err)
	}
	paths, _ := st.FilePaths(ctx, file.ID)
	if len(paths) != 2 || !paths[0].Current || paths[0].Path != "/media/a.mkv" {
		t.Fatalf("unexpected paths: %+v", paths)
	}

	if err := st.ReportFile(ctx, job.ID, "node", store.FileReport{RemovePaths: []string{"/media/a.avi", "/media/a.mkv"}}); err != nil {
		t.Fatalf("ReportFile remove: %v", err)
	}
	paths, _ = st.FilePaths(ctx, file.ID)
	if len(paths) != 1 || paths[0].Path != "/media/a.mkv" {
		t.Fatalf("expected only current path to survive, got %+v", paths)
	}
}

func TestFailOrphansSkipsActiveJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	fileA, jobA := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")
	_, jobB := testsupport.EnqueueFile(t, st, lib.ID, "/media/b.mkv")
	for _, id := range []int64{jobA.ID, jobB.ID} {
		if ok, err := st.AssignJob(ctx, store.Assignment{JobID: id, NodeID: "node"}); err != nil || !ok {
			t.Fatalf("AssignJob %d: ok=%v err=%v", id, ok, err)
		}
	}

	failed, err := st.FailOrphans(ctx, "node", []int64{jobB.ID}, time.Now().Add(-time.Hour), "orphaned")
	if err != nil {
		t.Fatalf("FailOrphans: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("grace window should protect fresh jobs, got %+v", failed)
	}

	failed, err = st.FailOrphans(ctx, "node", []int64{jobB.ID}, time.Now().Add(time.Hour), "orphaned")
	if err != nil {
		t.Fatalf("FailOrphans: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != jobA.ID {
		t.Fatalf("expected only job A orphaned, got %+v", failed)
	}
	job, _ := st.GetJob(ctx, jobA.ID)
	if job.Status != store.JobError || job.ErrorMessage != "orphaned" || job.FinishedAt == nil {
		t.Fatalf("unexpected orphaned job: %+v", job)
	}
	file, _ := st.GetFile(ctx, fileA.ID)
	if file.Status != store.FileHealthFailed {
		t.Fatalf("expected health_failed, got %s", file.Status)
	}
	other, _ := st.GetJob(ctx, jobB.ID)
	if other.Status != store.JobProcessing {
		t.Fatalf("active job should stay processing, got %s", other.Status)
	}
}

func TestFailStaleSparesFreshNodes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	testsupport.RegisterNode(t, st, "fresh")
	_, jobFresh := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")
	_, jobGone := testsupport.EnqueueFile(t, st, lib.ID, "/media/b.mkv")
	if ok, _ := st.AssignJob(ctx, store.Assignment{JobID: jobFresh.ID, NodeID: "fresh"}); !ok {
		t.Fatal("assign fresh")
	}
	if ok, _ := st.AssignJob(ctx, store.Assignment{JobID: jobGone.ID, NodeID: "vanished"}); !ok {
		t.Fatal("assign vanished")
	}

	failed, err := st.FailStale(ctx, time.Now().Add(time.Minute), time.Now().Add(-time.Minute), "stale")
	if err != nil {
		t.Fatalf("FailStale: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != jobGone.ID {
		t.Fatalf("expected only the job on the missing node to fail, got %+v", failed)
	}
}

func TestReapGarbageRemovesJobsOfDeletedFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	other := testsupport.NewLibrary(t, st, store.Library{Name: "shows"})
	fileA, jobA := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")
	_, jobB := testsupport.EnqueueFile(t, st, other.ID, "/media/b.mkv")
	_, jobC := testsupport.EnqueueFile(t, st, lib.ID, "/media/c.mkv")

	if err := st.SoftDeleteFile(ctx, fileA.ID); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	if err := st.DeleteLibrary(ctx, other.ID); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	reaped, err := st.ReapGarbage(ctx)
	if err != nil {
		t.Fatalf("ReapGarbage: %v", err)
	}
	if reaped != 2 {
		t.Fatalf("expected 2 reaped jobs, got %d", reaped)
	}
	for _, id := range []int64{jobA.ID, jobB.ID} {
		if job, _ := st.GetJob(ctx, id); job != nil {
			t.Fatalf("job %d should be gone", id)
		}
	}
	if job, _ := st.GetJob(ctx, jobC.ID); job == nil {
		t.Fatal("live job should survive")
	}
}

func TestSaveTreeAppendsVersions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.SaveTree(t, st, "hevc", graph.Requirements{Processing: graph.ProcessingGPU}, "")
	second := testsupport.SaveTree(t, st, "hevc", graph.Requirements{Processing: graph.ProcessingAny}, "")
	if first.TreeID != second.TreeID || first.Version != 1 || second.Version != 2 {
		t.Fatalf("unexpected versions: %+v %+v", first, second)
	}

	latest, err := st.LatestTreeVersion(ctx, first.TreeID)
	if err != nil || latest == nil || latest.Version != 2 {
		t.Fatalf("unexpected latest: %+v err=%v", latest, err)
	}
	v1, err := st.TreeVersion(ctx, first.TreeID, 1)
	if err != nil || v1 == nil || v1.Version != 1 {
		t.Fatalf("unexpected v1: %+v err=%v", v1, err)
	}
	tree, err := st.FindTree(ctx, "hevc")
	if err != nil || tree == nil || tree.LatestVersion != 2 {
		t.Fatalf("unexpected tree: %+v err=%v", tree, err)
	}
}

func TestProgressAndLogsRequireOwner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, store.Library{Name: "movies"})
	_, job := testsupport.EnqueueFile(t, st, lib.ID, "/media/a.mkv")
	if ok, _ := st.AssignJob(ctx, store.Assignment{JobID: job.ID, NodeID: "node"}); !ok {
		t.Fatal("assign")
	}

	if err := st.UpdateProgress(ctx, job.ID, "node", 150, "encode", "working"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if fetched.Progress != 100 || fetched.Stage != "encode" {
		t.Fatalf("expected clamped progress, got %+v", fetched)
	}
	if err := st.UpdateProgress(ctx, job.ID, "intruder", 10, "", ""); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	lines := []store.LogLine{{Stage: "encode", Line: "frame=1"}, {Stage: "encode", Line: "frame=2"}}
	if err := st.AppendLog(ctx, job.ID, "node", lines); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := st.AppendLog(ctx, job.ID, "intruder", lines); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	log, _ := st.JobLog(ctx, job.ID)
	if len(log) != 2 || log[1].Line != "frame=2" {
		t.Fatalf("unexpected log: %+v", log)
	}
}
