package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"lattice/internal/config"
	"lattice/internal/graph"
	"lattice/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// LinearGraph is an input node wired straight to an output node.
const LinearGraph = `{"nodes":[{"id":"in","elementType":"input"},{"id":"out","elementType":"output"}],"edges":[{"source":"in","target":"out"}]}`

// SaveTree stores a tree version with the given requirements.
func SaveTree(t testing.TB, st *store.Store, name string, req graph.Requirements, graphJSON string) *store.TreeVersion {
	t.Helper()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode requirements: %v", err)
	}
	if graphJSON == "" {
		graphJSON = LinearGraph
	}
	tv, err := st.SaveTree(context.Background(), name, string(data), graphJSON)
	if err != nil {
		t.Fatalf("store.SaveTree: %v", err)
	}
	return tv
}

// NewLibrary creates a library for tests.
func NewLibrary(t testing.TB, st *store.Store, lib store.Library) *store.Library {
	t.Helper()

	created, err := st.CreateLibrary(context.Background(), lib)
	if err != nil {
		t.Fatalf("store.CreateLibrary: %v", err)
	}
	return created
}

// EnqueueFile indexes a file and returns its queued healthcheck job.
func EnqueueFile(t testing.TB, st *store.Store, libraryID int64, path string) (*store.File, *store.Job) {
	t.Helper()

	file, job, err := st.EnqueueFile(context.Background(), libraryID, path, 1024)
	if err != nil {
		t.Fatalf("store.EnqueueFile: %v", err)
	}
	return file, job
}

// RegisterNode registers a node with the given tags.
func RegisterNode(t testing.TB, st *store.Store, id string, tags ...string) *store.Node {
	t.Helper()

	node, err := st.RegisterNode(context.Background(), store.Node{ID: id, Name: id, Platform: "linux", Tags: tags})
	if err != nil {
		t.Fatalf("store.RegisterNode: %v", err)
	}
	return node
}
