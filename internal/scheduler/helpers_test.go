package scheduler

import (
	"context"
	"testing"

	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/store"
	"lattice/internal/testsupport"
)

type fixture struct {
	store     *store.Store
	matcher   *Matcher
	lifecycle *Lifecycle
	cfg       *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	catalog := graph.StaticCatalog{"input": "1", "output": "1"}
	return &fixture{
		store:     st,
		matcher:   NewMatcher(st, catalog, PolicyFromConfig(cfg.Coordinator), nil),
		lifecycle: NewLifecycle(st, cfg.Coordinator, nil),
		cfg:       cfg,
	}
}

// queueTranscode indexes a file and passes its healthcheck so the row is a
// queued transcode job.
func (f *fixture) queueTranscode(t *testing.T, libraryID int64, path string) *store.Job {
	t.Helper()
	ctx := context.Background()
	_, job := testsupport.EnqueueFile(t, f.store, libraryID, path)
	if ok, err := f.store.AssignJob(ctx, store.Assignment{JobID: job.ID, NodeID: "seed", ProcessingType: "cpu"}); err != nil || !ok {
		t.Fatalf("seed assign: ok=%v err=%v", ok, err)
	}
	if err := f.lifecycle.Complete(ctx, job.ID, "seed", OutcomeCompleted, ""); err != nil {
		t.Fatalf("seed complete: %v", err)
	}
	queued, err := f.store.GetJob(ctx, job.ID)
	if err != nil || queued == nil || queued.Type != store.JobTranscode {
		t.Fatalf("expected queued transcode, got %+v err=%v", queued, err)
	}
	return queued
}

func (f *fixture) poll(t *testing.T, req PollRequest) []*store.Job {
	t.Helper()
	jobs, err := f.matcher.Poll(context.Background(), req)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return jobs
}
