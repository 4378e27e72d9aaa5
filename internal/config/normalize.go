package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCoordinator()
	c.normalizeNode()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCoordinator() {
	c.Coordinator.Bind = strings.TrimSpace(c.Coordinator.Bind)
	if c.Coordinator.Bind == "" {
		c.Coordinator.Bind = defaultCoordinatorBind
	}
	c.Coordinator.APIToken = strings.TrimSpace(c.Coordinator.APIToken)
	if c.Coordinator.APIToken == "" {
		if value, ok := os.LookupEnv("LATTICE_API_TOKEN"); ok {
			c.Coordinator.APIToken = strings.TrimSpace(value)
		}
	}
	c.Coordinator.HealthcheckSlotOrder = normalizeList(c.Coordinator.HealthcheckSlotOrder)
	if len(c.Coordinator.HealthcheckSlotOrder) == 0 {
		c.Coordinator.HealthcheckSlotOrder = []string{SlotCPU, SlotGPU}
	}
	c.Coordinator.TranscodeSlotOrder = normalizeList(c.Coordinator.TranscodeSlotOrder)
	if len(c.Coordinator.TranscodeSlotOrder) == 0 {
		c.Coordinator.TranscodeSlotOrder = []string{SlotGPU, SlotCPU}
	}
	normalizePlugins(c.Coordinator.Plugins)
}

func (c *Config) normalizeNode() {
	c.Node.CoordinatorURL = strings.TrimSpace(c.Node.CoordinatorURL)
	if value, ok := os.LookupEnv("LATTICE_COORDINATOR_URL"); ok && strings.TrimSpace(value) != "" {
		c.Node.CoordinatorURL = strings.TrimSpace(value)
	}
	c.Node.CoordinatorURL = strings.TrimRight(c.Node.CoordinatorURL, "/")
	c.Node.APIToken = strings.TrimSpace(c.Node.APIToken)
	if c.Node.APIToken == "" {
		if value, ok := os.LookupEnv("LATTICE_API_TOKEN"); ok {
			c.Node.APIToken = strings.TrimSpace(value)
		}
	}
	c.Node.ID = strings.TrimSpace(c.Node.ID)
	if c.Node.ID == "" {
		if value, ok := os.LookupEnv("LATTICE_NODE_ID"); ok {
			c.Node.ID = strings.TrimSpace(value)
		}
	}
	c.Node.Name = strings.TrimSpace(c.Node.Name)
	if c.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.Name = host
		}
	}
	c.Node.Tags = normalizeList(c.Node.Tags)
	c.Node.Accelerators = normalizeList(c.Node.Accelerators)
	if strings.TrimSpace(c.Node.FFmpegBinary) == "" {
		c.Node.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(c.Node.FFprobeBinary) == "" {
		c.Node.FFprobeBinary = defaultFFprobeBinary
	}
	if strings.TrimSpace(c.Node.NvidiaSMIBinary) == "" {
		c.Node.NvidiaSMIBinary = defaultNvidiaSMIBinary
	}
	c.Node.DraptoBinary = strings.TrimSpace(c.Node.DraptoBinary)
	normalizePlugins(c.Node.Plugins)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizePlugins(plugins []Plugin) {
	for i := range plugins {
		plugins[i].Type = strings.TrimSpace(plugins[i].Type)
		plugins[i].Version = strings.TrimSpace(plugins[i].Version)
		if plugins[i].Version == "" {
			plugins[i].Version = "1"
		}
	}
}

// normalizeList lowercases, trims, and dedupes labels while keeping order.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
