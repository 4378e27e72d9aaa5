package nodeagent

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"lattice/internal/api"
)

var commandContext = exec.CommandContext

// loadShift is the fixed-point shift of sysinfo load averages.
const loadShift = 1 << 16

const gpuQueryTimeout = 5 * time.Second

// CollectMetrics samples load, memory, and uptime from sysinfo plus GPU
// utilization from nvidia-smi. GPU sampling is best effort; an empty
// nvidiaSMI skips it.
func CollectMetrics(ctx context.Context, nvidiaSMI string) (api.NodeMetrics, error) {
	metrics := api.NodeMetrics{CPUCount: runtime.NumCPU()}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return metrics, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	metrics.Load1 = float64(info.Loads[0]) / loadShift
	metrics.Load5 = float64(info.Loads[1]) / loadShift
	metrics.Load15 = float64(info.Loads[2]) / loadShift
	metrics.MemTotalBytes = uint64(info.Totalram) * unit
	metrics.MemFreeBytes = uint64(info.Freeram) * unit
	metrics.UptimeSeconds = int64(info.Uptime)

	if strings.TrimSpace(nvidiaSMI) != "" {
		if gpus, err := queryGPUMetrics(ctx, nvidiaSMI); err == nil {
			metrics.GPUs = gpus
		}
	}
	return metrics, nil
}

func queryGPUMetrics(ctx context.Context, binary string) ([]api.GPUMetrics, error) {
	out, err := runNvidiaSMI(ctx, binary, "--query-gpu=index,name,utilization.gpu,memory.used,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	return parseGPUMetrics(bytes.NewReader(out))
}

// parseGPUMetrics reads nvidia-smi CSV rows of
// index, name, utilization.gpu, memory.used, memory.total.
func parseGPUMetrics(r io.Reader) ([]api.GPUMetrics, error) {
	records, err := readCSV(r, 5)
	if err != nil {
		return nil, err
	}
	gpus := make([]api.GPUMetrics, 0, len(records))
	for _, rec := range records {
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("parse gpu index %q: %w", rec[0], err)
		}
		gpus = append(gpus, api.GPUMetrics{
			Index:          idx,
			Name:           rec[1],
			UtilizationPct: parseMetric(rec[2]),
			MemoryUsedMiB:  parseMetric(rec[3]),
			MemoryTotalMiB: parseMetric(rec[4]),
		})
	}
	return gpus, nil
}

func readCSV(r io.Reader, fields int) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = fields
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse nvidia-smi csv: %w", err)
	}
	for _, rec := range records {
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
	}
	return records, nil
}

// parseMetric tolerates the "[N/A]" and "[Not Supported]" placeholders.
func parseMetric(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return v
}

func runNvidiaSMI(ctx context.Context, binary string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()
	cmd := commandContext(ctx, binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binary, err)
	}
	return out, nil
}
