package nodeagent

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"lattice/internal/api"
)

// PCI vendor ids reported under /sys/class/drm/<node>/device/vendor.
const (
	vendorIntel  = "0x8086"
	vendorAMD    = "0x1002"
	vendorNvidia = "0x10de"
)

// Inventory probes local hardware. Paths are fields so tests can point them
// at fixtures.
type Inventory struct {
	CPUInfoPath string
	DRIDir      string
	SysDRMDir   string
	NvidiaSMI   string
	// Configured, when non-empty, replaces detected accelerator labels.
	Configured []string
}

// NewInventory returns an inventory over the standard Linux locations.
func NewInventory(nvidiaSMI string, configured []string) *Inventory {
	return &Inventory{
		CPUInfoPath: "/proc/cpuinfo",
		DRIDir:      "/dev/dri",
		SysDRMDir:   "/sys/class/drm",
		NvidiaSMI:   nvidiaSMI,
		Configured:  configured,
	}
}

// Detect builds the hardware report. Missing sources are skipped.
func (inv *Inventory) Detect(ctx context.Context) api.Hardware {
	hw := api.Hardware{CPUCount: runtime.NumCPU()}
	if f, err := os.Open(inv.CPUInfoPath); err == nil {
		hw.CPUModel = parseCPUModel(f)
		_ = f.Close()
	}
	if strings.TrimSpace(inv.NvidiaSMI) != "" {
		if out, err := runNvidiaSMI(ctx, inv.NvidiaSMI, "--query-gpu=index,name,uuid", "--format=csv,noheader"); err == nil {
			hw.GPUs = parseGPUList(bytes.NewReader(out))
		}
	}
	hw.RenderNodes = inv.renderNodes()
	hw.Accelerators = inv.accelerators(hw)
	return hw
}

func parseCPUModel(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func parseGPUList(r io.Reader) []api.GPUInfo {
	records, err := readCSV(r, 3)
	if err != nil {
		return nil
	}
	gpus := make([]api.GPUInfo, 0, len(records))
	for _, rec := range records {
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			continue
		}
		gpus = append(gpus, api.GPUInfo{Index: idx, Name: rec[1], Vendor: "nvidia", UUID: rec[2]})
	}
	return gpus
}

func (inv *Inventory) renderNodes() []string {
	matches, err := filepath.Glob(filepath.Join(inv.DRIDir, "renderD*"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// renderVendor maps a render node to a vendor label, or "" when unknown.
func (inv *Inventory) renderVendor(node string) string {
	data, err := os.ReadFile(filepath.Join(inv.SysDRMDir, filepath.Base(node), "device", "vendor"))
	if err != nil {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case vendorIntel:
		return "intel"
	case vendorAMD:
		return "amd"
	case vendorNvidia:
		return "nvidia"
	default:
		return ""
	}
}

// accelerators always includes cpu. nvidia comes from nvidia-smi; intel and
// amd render nodes add their vendor plus vaapi.
func (inv *Inventory) accelerators(hw api.Hardware) []string {
	set := map[string]struct{}{"cpu": {}}
	if len(inv.Configured) > 0 {
		for _, label := range inv.Configured {
			set[strings.ToLower(strings.TrimSpace(label))] = struct{}{}
		}
		return sortedKeys(set)
	}
	if len(hw.GPUs) > 0 {
		set["nvidia"] = struct{}{}
	}
	for _, node := range hw.RenderNodes {
		switch vendor := inv.renderVendor(node); vendor {
		case "intel", "amd":
			set[vendor] = struct{}{}
			set["vaapi"] = struct{}{}
		case "nvidia":
			set["nvidia"] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
