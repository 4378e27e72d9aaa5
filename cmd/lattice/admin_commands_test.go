package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lattice/internal/store"
	"lattice/internal/testsupport"
)

const hevcTree = `
name = "hevc"

requirements {
  processing = "gpu"
  tags {
    none = ["draining"]
  }
}

node "in" {
  type = "input"
}

node "done" {
  type = "output"
}

edge {
  from = "in"
  to   = "done"
}
`

func TestTreeLibraryAndFileCommands(t *testing.T) {
	env := setupCLITestEnv(t, "http://127.0.0.1:1")

	treePath := filepath.Join(env.baseDir, "hevc.hcl")
	if err := os.WriteFile(treePath, []byte(hevcTree), 0o644); err != nil {
		t.Fatalf("write tree: %v", err)
	}
	out, _, err := runCLI(t, []string{"trees", "import", treePath}, env.configPath)
	if err != nil {
		t.Fatalf("trees import: %v", err)
	}
	requireContains(t, out, "version 1: 2 nodes, 1 edges")

	out, _, err = runCLI(t, []string{"trees", "import", treePath}, env.configPath)
	if err != nil {
		t.Fatalf("trees import again: %v", err)
	}
	requireContains(t, out, "version 2")

	out, _, err = runCLI(t, []string{"trees", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("trees list: %v", err)
	}
	requireContains(t, out, "hevc")
	requireContains(t, out, "gpu -draining")

	out, _, err = runCLI(t, []string{"libraries", "add", "movies", "--default-tree", "hevc"}, env.configPath)
	if err != nil {
		t.Fatalf("libraries add: %v", err)
	}
	requireContains(t, out, "Created library")

	media := testsupport.WriteTree(t, filepath.Join(env.baseDir, "media"), map[string]int64{
		"a.mkv":          128,
		"notes.txt":      16,
		".trash/old.mkv": 16,
		"season/b.MP4":   64,
	})

	out, _, err = runCLI(t, []string{"files", "add", "--library", "movies", media}, env.configPath)
	if err != nil {
		t.Fatalf("files add: %v", err)
	}
	requireContains(t, out, "Indexed 2 file(s), skipped 0")
	requireNotContains(t, out, "notes.txt")
	requireNotContains(t, out, "old.mkv")

	out, _, err = runCLI(t, []string{"files", "add", "-l", "movies", filepath.Join(media, "a.mkv")}, env.configPath)
	if err != nil {
		t.Fatalf("files add again: %v", err)
	}
	requireContains(t, out, "Indexed 0 file(s), skipped 1")

	out, _, err = runCLI(t, []string{"libraries", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("libraries list: %v", err)
	}
	requireContains(t, out, "movies")
	requireContains(t, out, "selected")

	out, _, err = runCLI(t, []string{"files", "remove", filepath.Join(media, "a.mkv")}, env.configPath)
	if err != nil {
		t.Fatalf("files remove: %v", err)
	}
	requireContains(t, out, "Removed file")

	st := testsupport.MustOpenStore(t, env.cfg)
	jobs, err := st.ListJobs(context.Background(), store.JobFilter{Type: store.JobHealthcheck})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 healthcheck jobs, got %d", len(jobs))
	}
}

func TestLibraryCommandsRejectUnknownReferences(t *testing.T) {
	env := setupCLITestEnv(t, "http://127.0.0.1:1")

	if _, _, err := runCLI(t, []string{"libraries", "add", "tv", "--default-tree", "missing"}, env.configPath); err == nil {
		t.Fatal("expected unknown default tree to fail")
	}
	if _, _, err := runCLI(t, []string{"libraries", "add", "tv", "--scope", "everything"}, env.configPath); err == nil {
		t.Fatal("expected unknown scope to fail")
	}
	if _, _, err := runCLI(t, []string{"files", "add", "--library", "nope", env.baseDir}, env.configPath); err == nil {
		t.Fatal("expected unknown library to fail")
	}
	if _, _, err := runCLI(t, []string{"trees", "import", filepath.Join(env.baseDir, "graph.json")}, env.configPath); err == nil {
		t.Fatal("expected json import without --name to fail")
	}
}

func TestNodesSetMergesOverrides(t *testing.T) {
	env := setupCLITestEnv(t, "http://127.0.0.1:1")
	st := testsupport.MustOpenStore(t, env.cfg)
	testsupport.RegisterNode(t, st, "gpu-box")

	out, _, err := runCLI(t, []string{"nodes", "set", "gpu-box", "--transcode-gpu", "2", "--transcode-gpu-indices", "0,1"}, env.configPath)
	if err != nil {
		t.Fatalf("nodes set: %v", err)
	}
	requireContains(t, out, "transcode-gpu=2")

	out, _, err = runCLI(t, []string{"nodes", "set", "gpu-box", "--healthcheck-cpu", "0"}, env.configPath)
	if err != nil {
		t.Fatalf("nodes set again: %v", err)
	}
	requireContains(t, out, "healthcheck-cpu=0")
	requireContains(t, out, "transcode-gpu=2")

	node, err := st.GetNode(context.Background(), "gpu-box")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	s := node.Settings
	if s.TranscodeGPU == nil || *s.TranscodeGPU != 2 || s.HealthcheckCPU == nil || *s.HealthcheckCPU != 0 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if len(s.TranscodeGPUIndices) != 2 || s.TranscodeGPUIndices[1] != 1 {
		t.Fatalf("unexpected transcode indices %v", s.TranscodeGPUIndices)
	}

	out, _, err = runCLI(t, []string{"nodes", "set", "gpu-box", "--reset"}, env.configPath)
	if err != nil {
		t.Fatalf("nodes set --reset: %v", err)
	}
	requireContains(t, out, "no overrides")

	if _, _, err := runCLI(t, []string{"nodes", "set", "ghost", "--transcode-cpu", "1"}, env.configPath); err == nil {
		t.Fatal("expected unknown node to fail")
	}
	if _, _, err := runCLI(t, []string{"nodes", "set", "gpu-box", "--transcode-cpu", "-1"}, env.configPath); err == nil {
		t.Fatal("expected negative slot count to fail")
	}
}

func TestElementsCommandListsBuiltins(t *testing.T) {
	env := setupCLITestEnv(t, "http://127.0.0.1:1")
	out, _, err := runCLI(t, []string{"elements"}, env.configPath)
	if err != nil {
		t.Fatalf("elements: %v", err)
	}
	requireContains(t, out, "check_video_codec")
	requireContains(t, out, "Check Video Codec")
	requireContains(t, out, "built-in")
}
