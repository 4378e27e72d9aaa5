package config

const (
	defaultDataDir                = "~/.local/share/lattice"
	defaultLogDir                 = "~/.local/share/lattice/logs"
	defaultWorkDir                = "~/.cache/lattice/work"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	defaultCoordinatorBind        = "127.0.0.1:7878"
	defaultCoordinatorURL         = "http://127.0.0.1:7878"
	defaultNodeStaleSeconds       = 120
	defaultJobStaleSeconds        = 600
	defaultSweepInterval          = 60
	defaultOrphanGraceSeconds     = 30
	defaultPollInterval           = 5
	defaultHeartbeatInterval      = 15
	defaultRequestTimeout         = 30
	defaultStartCooldownMillis    = 2000
	defaultHealthcheckCPUSlots    = 1
	defaultTranscodeCPUSlots      = 1
	defaultFlushIntervalMillis    = 1000
	defaultBatchBytes             = 64 * 1024
	defaultMaxLineBytes           = 4096
	defaultProgressIntervalMillis = 2000
	defaultFFmpegBinary           = "ffmpeg"
	defaultFFprobeBinary          = "ffprobe"
	defaultNvidiaSMIBinary        = "nvidia-smi"
)

// Slot kinds accepted in the slot order settings.
const (
	SlotCPU = "cpu"
	SlotGPU = "gpu"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			WorkDir: defaultWorkDir,
		},
		Coordinator: Coordinator{
			Bind:                 defaultCoordinatorBind,
			NodeStaleSeconds:     defaultNodeStaleSeconds,
			JobStaleSeconds:      defaultJobStaleSeconds,
			SweepInterval:        defaultSweepInterval,
			OrphanGraceSeconds:   defaultOrphanGraceSeconds,
			HealthcheckSlotOrder: []string{SlotCPU, SlotGPU},
			TranscodeSlotOrder:   []string{SlotGPU, SlotCPU},
		},
		Node: Node{
			CoordinatorURL:      defaultCoordinatorURL,
			AllowTranscode:      true,
			HealthcheckCPUSlots: defaultHealthcheckCPUSlots,
			TranscodeCPUSlots:   defaultTranscodeCPUSlots,
			PollInterval:        defaultPollInterval,
			HeartbeatInterval:   defaultHeartbeatInterval,
			RequestTimeout:      defaultRequestTimeout,
			StartCooldownMillis: defaultStartCooldownMillis,
			HotplugMonitor:      true,
			FFmpegBinary:        defaultFFmpegBinary,
			FFprobeBinary:       defaultFFprobeBinary,
			NvidiaSMIBinary:     defaultNvidiaSMIBinary,
			DraptoPreset:        -1,
		},
		Streamer: Streamer{
			FlushIntervalMillis:    defaultFlushIntervalMillis,
			BatchBytes:             defaultBatchBytes,
			MaxLineBytes:           defaultMaxLineBytes,
			ProgressIntervalMillis: defaultProgressIntervalMillis,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
