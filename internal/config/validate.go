package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCoordinator(); err != nil {
		return err
	}
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateStreamer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// ValidateNodeRuntime performs the additional checks needed before a node agent starts.
func (c *Config) ValidateNodeRuntime() error {
	if c.Node.CoordinatorURL == "" {
		return errors.New("node.coordinator_url must be set (or export LATTICE_COORDINATOR_URL)")
	}
	total := c.Node.HealthcheckCPUSlots + c.Node.HealthcheckGPUSlots + c.Node.TranscodeCPUSlots + c.Node.TranscodeGPUSlots
	if total == 0 {
		return errors.New("node must declare at least one slot")
	}
	return nil
}

func (c *Config) validateCoordinator() error {
	if err := ensurePositiveMap(map[string]int{
		"coordinator.node_stale_seconds": c.Coordinator.NodeStaleSeconds,
		"coordinator.job_stale_seconds":  c.Coordinator.JobStaleSeconds,
		"coordinator.sweep_interval":     c.Coordinator.SweepInterval,
	}); err != nil {
		return err
	}
	if c.Coordinator.OrphanGraceSeconds < 0 {
		return errors.New("coordinator.orphan_grace_seconds must be >= 0")
	}
	if err := validateSlotOrder("coordinator.healthcheck_slot_order", c.Coordinator.HealthcheckSlotOrder); err != nil {
		return err
	}
	if err := validateSlotOrder("coordinator.transcode_slot_order", c.Coordinator.TranscodeSlotOrder); err != nil {
		return err
	}
	return validatePlugins("coordinator.plugins", c.Coordinator.Plugins, false)
}

func (c *Config) validateNode() error {
	if c.Node.CoordinatorURL != "" {
		parsed, err := url.Parse(c.Node.CoordinatorURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("node.coordinator_url %q must be an absolute http(s) URL", c.Node.CoordinatorURL)
		}
	}
	for key, value := range map[string]int{
		"node.healthcheck_cpu_slots": c.Node.HealthcheckCPUSlots,
		"node.healthcheck_gpu_slots": c.Node.HealthcheckGPUSlots,
		"node.transcode_cpu_slots":   c.Node.TranscodeCPUSlots,
		"node.transcode_gpu_slots":   c.Node.TranscodeGPUSlots,
		"node.start_cooldown_ms":     c.Node.StartCooldownMillis,
	} {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	if c.Node.DraptoPreset < -1 || c.Node.DraptoPreset > 13 {
		return fmt.Errorf("node.drapto_preset %d must be between 0 and 13, or -1 for the encoder default", c.Node.DraptoPreset)
	}
	for _, idx := range append(append([]int{}, c.Node.HealthcheckGPUIndices...), c.Node.TranscodeGPUIndices...) {
		if idx < 0 {
			return errors.New("node gpu indices must be >= 0")
		}
	}
	if err := ensurePositiveMap(map[string]int{
		"node.poll_interval":      c.Node.PollInterval,
		"node.heartbeat_interval": c.Node.HeartbeatInterval,
		"node.request_timeout":    c.Node.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Coordinator.NodeStaleSeconds <= c.Node.HeartbeatInterval {
		return errors.New("coordinator.node_stale_seconds must be greater than node.heartbeat_interval")
	}
	return validatePlugins("node.plugins", c.Node.Plugins, true)
}

func (c *Config) validateStreamer() error {
	if err := ensurePositiveMap(map[string]int{
		"streamer.flush_interval_ms":    c.Streamer.FlushIntervalMillis,
		"streamer.batch_bytes":          c.Streamer.BatchBytes,
		"streamer.max_line_bytes":       c.Streamer.MaxLineBytes,
		"streamer.progress_interval_ms": c.Streamer.ProgressIntervalMillis,
	}); err != nil {
		return err
	}
	if c.Streamer.MaxLineBytes > c.Streamer.BatchBytes {
		return errors.New("streamer.max_line_bytes must not exceed streamer.batch_bytes")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func validateSlotOrder(key string, order []string) error {
	if len(order) == 0 || len(order) > 2 {
		return fmt.Errorf("%s must list cpu and/or gpu", key)
	}
	for _, kind := range order {
		if kind != SlotCPU && kind != SlotGPU {
			return fmt.Errorf("%s contains unknown slot kind %q", key, kind)
		}
	}
	return nil
}

func validatePlugins(key string, plugins []Plugin, needCommand bool) error {
	seen := make(map[string]struct{}, len(plugins))
	for _, plugin := range plugins {
		if plugin.Type == "" {
			return fmt.Errorf("%s entries must set type", key)
		}
		if _, ok := seen[plugin.Type]; ok {
			return fmt.Errorf("%s declares %q more than once", key, plugin.Type)
		}
		seen[plugin.Type] = struct{}{}
		if needCommand && len(plugin.Command) == 0 {
			return fmt.Errorf("%s %q must set command", key, plugin.Type)
		}
		if plugin.Weight < 0 {
			return fmt.Errorf("%s %q weight must be >= 0", key, plugin.Type)
		}
		if strings.ContainsAny(plugin.Type, " \t") {
			return fmt.Errorf("%s %q must not contain whitespace", key, plugin.Type)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
