package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lattice/internal/config"
	"lattice/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, coordinatorURL string) *cliTestEnv {
	t.Helper()
	t.Setenv("LATTICE_API_TOKEN", "")
	t.Setenv("LATTICE_COORDINATOR_URL", "")
	t.Setenv("LATTICE_NODE_ID", "")

	cfg := testsupport.NewConfig(t, testsupport.WithCoordinatorURL(coordinatorURL))
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
work_dir = %q

[coordinator]
api_token = %q

[node]
coordinator_url = %q
api_token = %q
id = %q
request_timeout = 5
hotplug_monitor = false
`,
		cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.WorkDir,
		cfg.Coordinator.APIToken,
		cfg.Node.CoordinatorURL, cfg.Node.APIToken, cfg.Node.ID,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireNotContains(t *testing.T, output, substr string) {
	t.Helper()
	if strings.Contains(output, substr) {
		t.Fatalf("expected %q not to contain %q", output, substr)
	}
}
