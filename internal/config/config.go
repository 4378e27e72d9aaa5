package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration shared by the coordinator and nodes.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	WorkDir string `toml:"work_dir"`
}

// Plugin declares an element type served by an external command instead of a
// compiled-in handler.
type Plugin struct {
	Type    string   `toml:"type"`
	Version string   `toml:"version"`
	Command []string `toml:"command"`
	Weight  int      `toml:"weight"`
}

// Coordinator contains settings for the scheduling server.
type Coordinator struct {
	Bind                 string   `toml:"bind"`
	APIToken             string   `toml:"api_token"`
	NodeStaleSeconds     int      `toml:"node_stale_seconds"`
	JobStaleSeconds      int      `toml:"job_stale_seconds"`
	SweepInterval        int      `toml:"sweep_interval"`
	OrphanGraceSeconds   int      `toml:"orphan_grace_seconds"`
	HealthcheckSlotOrder []string `toml:"healthcheck_slot_order"`
	TranscodeSlotOrder   []string `toml:"transcode_slot_order"`
	Plugins              []Plugin `toml:"plugins"`
}

// Node contains settings for a worker agent.
type Node struct {
	CoordinatorURL        string   `toml:"coordinator_url"`
	APIToken              string   `toml:"api_token"`
	ID                    string   `toml:"id"`
	Name                  string   `toml:"name"`
	Tags                  []string `toml:"tags"`
	Accelerators          []string `toml:"accelerators"`
	AllowTranscode        bool     `toml:"allow_transcode"`
	HealthcheckCPUSlots   int      `toml:"healthcheck_cpu_slots"`
	HealthcheckGPUSlots   int      `toml:"healthcheck_gpu_slots"`
	TranscodeCPUSlots     int      `toml:"transcode_cpu_slots"`
	TranscodeGPUSlots     int      `toml:"transcode_gpu_slots"`
	HealthcheckGPUIndices []int    `toml:"healthcheck_gpu_indices"`
	TranscodeGPUIndices   []int    `toml:"transcode_gpu_indices"`
	PollInterval          int      `toml:"poll_interval"`
	HeartbeatInterval     int      `toml:"heartbeat_interval"`
	RequestTimeout        int      `toml:"request_timeout"`
	StartCooldownMillis   int      `toml:"start_cooldown_ms"`
	HotplugMonitor        bool     `toml:"hotplug_monitor"`
	FFmpegBinary          string   `toml:"ffmpeg_binary"`
	FFprobeBinary         string   `toml:"ffprobe_binary"`
	NvidiaSMIBinary       string   `toml:"nvidia_smi_binary"`
	DraptoBinary          string   `toml:"drapto_binary"`
	DraptoPreset          int      `toml:"drapto_preset"`
	Plugins               []Plugin `toml:"plugins"`
}

// Streamer contains log batching and progress throttling settings.
type Streamer struct {
	FlushIntervalMillis    int `toml:"flush_interval_ms"`
	BatchBytes             int `toml:"batch_bytes"`
	MaxLineBytes           int `toml:"max_line_bytes"`
	ProgressIntervalMillis int `toml:"progress_interval_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Lattice.
//
// Configuration sections by subsystem:
//   - Paths: database, log, and scratch directories
//   - Coordinator: API bind, auth token, sweep thresholds, slot preference
//   - Node: coordinator address, slot capacities, accelerators, binaries
//   - Streamer: log batching and progress throttling
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths       `toml:"paths"`
	Coordinator Coordinator `toml:"coordinator"`
	Node        Node        `toml:"node"`
	Streamer    Streamer    `toml:"streamer"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lattice/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lattice.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data, log, and work directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.WorkDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location used by the coordinator.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "lattice.db")
}

// CoordinatorLockPath returns the lock file guarding a single coordinator instance.
func (c *Config) CoordinatorLockPath() string {
	return filepath.Join(c.Paths.DataDir, "coordinator.lock")
}

// NodeLockPath returns the lock file guarding a single agent per work directory.
func (c *Config) NodeLockPath() string {
	return filepath.Join(c.Paths.WorkDir, "node.lock")
}

// NodeIDPath returns the file persisting a generated node identifier.
func (c *Config) NodeIDPath() string {
	return filepath.Join(c.Paths.WorkDir, "node_id")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
