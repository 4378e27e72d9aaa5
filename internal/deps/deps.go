package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"lattice/internal/config"
)

// Requirement defines an external binary a node relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// NodeRequirements lists the binaries a node agent needs for cfg. ffmpeg
// and ffprobe are required; nvidia-smi only feeds telemetry.
func NodeRequirements(cfg config.Node) []Requirement {
	reqs := []Requirement{
		{
			Name:        "FFmpeg",
			Command:     orDefault(cfg.FFmpegBinary, "ffmpeg"),
			Description: "Required for decode checks and encoding",
		},
		{
			Name:        "FFprobe",
			Command:     orDefault(cfg.FFprobeBinary, "ffprobe"),
			Description: "Required for media inspection",
		},
		{
			Name:        "nvidia-smi",
			Command:     orDefault(cfg.NvidiaSMIBinary, "nvidia-smi"),
			Description: "Reports NVIDIA GPU inventory and utilization",
			Optional:    true,
		},
	}
	if strings.TrimSpace(cfg.DraptoBinary) != "" {
		reqs = append(reqs, Requirement{
			Name:        "Drapto",
			Command:     cfg.DraptoBinary,
			Description: "Used by drapto_encode",
		})
	}
	for _, p := range cfg.Plugins {
		if len(p.Command) == 0 {
			continue
		}
		reqs = append(reqs, Requirement{
			Name:        "plugin " + p.Type,
			Command:     p.Command[0],
			Description: fmt.Sprintf("Runs element %s v%s", p.Type, p.Version),
		})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Missing returns the required dependencies that are unavailable.
func Missing(statuses []Status) []Status {
	var missing []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, s)
		}
	}
	return missing
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
