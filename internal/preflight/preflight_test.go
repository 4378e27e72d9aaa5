package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lattice/internal/config"
	"lattice/internal/deps"
	"lattice/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "free") {
		t.Fatalf("expected free space in detail, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

type fakeHealth struct {
	status string
	err    error
}

func (f fakeHealth) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{Status: f.status}, f.err
}

func TestCheckCoordinator(t *testing.T) {
	if r := CheckCoordinator(context.Background(), fakeHealth{status: "ok"}); !r.Passed {
		t.Fatalf("expected pass, got %s", r.Detail)
	}
	if r := CheckCoordinator(context.Background(), fakeHealth{status: "degraded"}); !r.Passed || !strings.HasSuffix(r.Detail, "(degraded)") {
		t.Fatalf("degraded coordinator should pass with detail, got %+v", r)
	}
	if r := CheckCoordinator(context.Background(), fakeHealth{err: errors.New("connection refused")}); r.Passed {
		t.Fatal("expected failure for unreachable coordinator")
	}
	if r := CheckCoordinator(context.Background(), fakeHealth{err: context.DeadlineExceeded}); r.Detail != "health check timed out (coordinator unresponsive)" {
		t.Fatalf("unexpected timeout detail %q", r.Detail)
	}
}

func TestRunNode_NilConfig(t *testing.T) {
	if results := RunNode(context.Background(), nil, nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunNode_StubbedBinaries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Node.NvidiaSMIBinary = "clearly-not-present-nvidia-smi"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	results := RunNode(context.Background(), cfg, fakeHealth{status: "ok"})
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %s", Summarize(failed))
	}
	if len(results) != 6 {
		t.Fatalf("expected 2 dirs, 3 binaries and coordinator; got %d", len(results))
	}
}

func TestRunNode_MissingFFmpeg(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.WorkDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Node.FFmpegBinary = "clearly-not-present-ffmpeg"

	failed := Failed(RunNode(context.Background(), &cfg, nil))
	if len(failed) == 0 || failed[0].Name != "FFmpeg" {
		t.Fatalf("expected ffmpeg failure, got %+v", failed)
	}
}

func TestFromDependencyOptional(t *testing.T) {
	r := FromDependency(deps.Status{Name: "nvidia-smi", Optional: true, Detail: "binary \"nvidia-smi\" not found"})
	if !r.Passed {
		t.Fatal("optional dependency should pass")
	}
}
