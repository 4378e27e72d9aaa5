package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"lattice/internal/config"
)

// ConfigOption adjusts a generated test configuration. base is the temp
// directory holding the config's data, log and work directories.
type ConfigOption func(t testing.TB, base string, cfg *config.Config)

// NewConfig returns a default config rooted in a fresh temp directory, with
// a shared API token, a fixed node id, hot-plug monitoring off and no start
// cooldown.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Coordinator.Bind = "127.0.0.1:0"
	cfg.Coordinator.APIToken = "test-token"
	cfg.Node.APIToken = "test-token"
	cfg.Node.ID = "node-test"
	cfg.Node.Name = "node-test"
	cfg.Node.HotplugMonitor = false
	cfg.Node.StartCooldownMillis = 0

	for _, opt := range opts {
		opt(t, base, &cfg)
	}
	return &cfg
}

// WithCoordinatorURL points the node section at url.
func WithCoordinatorURL(url string) ConfigOption {
	return func(_ testing.TB, _ string, cfg *config.Config) {
		cfg.Node.CoordinatorURL = url
	}
}

// WithCPUSlots sets the node's CPU slot counts for both job types.
func WithCPUSlots(healthcheck, transcode int) ConfigOption {
	return func(_ testing.TB, _ string, cfg *config.Config) {
		cfg.Node.HealthcheckCPUSlots = healthcheck
		cfg.Node.TranscodeCPUSlots = transcode
	}
}

// WithTags sets the node's scheduling tags.
func WithTags(tags ...string) ConfigOption {
	return func(_ testing.TB, _ string, cfg *config.Config) {
		cfg.Node.Tags = append([]string(nil), tags...)
	}
}

// WithStubbedBinaries writes no-op executables for names into base/bin and
// puts that directory first on PATH for the rest of the test. With no
// names, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(t testing.TB, base string, _ *config.Config) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		binDir := filepath.Join(base, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			t.Fatalf("mkdir bin dir: %v", err)
		}
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(binDir, name), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
				t.Fatalf("write stub %s: %v", name, err)
			}
		}
		t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
