package nodeagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseGPUMetrics(t *testing.T) {
	input := "0, NVIDIA GeForce RTX 3080, 37, 1024, 10240\n1, Tesla T4, [N/A], 512, 15360\n"
	gpus, err := parseGPUMetrics(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(gpus) != 2 {
		t.Fatalf("expected 2 gpus, got %d", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 3080" || gpus[0].UtilizationPct != 37 || gpus[0].MemoryTotalMiB != 10240 {
		t.Fatalf("unexpected first gpu %+v", gpus[0])
	}
	if gpus[1].Index != 1 || gpus[1].UtilizationPct != 0 {
		t.Fatalf("expected N/A utilization parsed as 0, got %+v", gpus[1])
	}
	if _, err := parseGPUMetrics(strings.NewReader("0, only-two\n")); err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestParseCPUModel(t *testing.T) {
	input := "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Intel(R) Core(TM) i7-8700 CPU @ 3.20GHz\n"
	if got := parseCPUModel(strings.NewReader(input)); got != "Intel(R) Core(TM) i7-8700 CPU @ 3.20GHz" {
		t.Fatalf("unexpected model %q", got)
	}
}

func TestInventoryDetectsRenderNodesAndNvidia(t *testing.T) {
	dri := t.TempDir()
	sys := t.TempDir()
	for node, vendor := range map[string]string{"renderD128": "0x8086", "renderD129": "0x10de"} {
		if err := os.WriteFile(filepath.Join(dri, node), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		dir := filepath.Join(sys, node, "device")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cpuinfo := filepath.Join(t.TempDir(), "cpuinfo")
	if err := os.WriteFile(cpuinfo, []byte("model name\t: Test CPU\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	withHelperCommand(t, "gpus")
	inv := &Inventory{CPUInfoPath: cpuinfo, DRIDir: dri, SysDRMDir: sys, NvidiaSMI: "nvidia-smi"}
	hw := inv.Detect(context.Background())

	if hw.CPUModel != "Test CPU" {
		t.Fatalf("unexpected cpu model %q", hw.CPUModel)
	}
	if len(hw.RenderNodes) != 2 {
		t.Fatalf("expected 2 render nodes, got %v", hw.RenderNodes)
	}
	if len(hw.GPUs) != 1 || hw.GPUs[0].UUID != "GPU-abc" || hw.GPUs[0].Vendor != "nvidia" {
		t.Fatalf("unexpected gpus %+v", hw.GPUs)
	}
	want := "cpu,intel,nvidia,vaapi"
	if got := strings.Join(hw.Accelerators, ","); got != want {
		t.Fatalf("accelerators = %s, want %s", got, want)
	}

	inv.Configured = []string{"NVIDIA"}
	if got := strings.Join(inv.Detect(context.Background()).Accelerators, ","); got != "cpu,nvidia" {
		t.Fatalf("configured accelerators = %s", got)
	}
}

func TestCollectMetricsReadsSysinfoAndGPU(t *testing.T) {
	withHelperCommand(t, "metrics")
	metrics, err := CollectMetrics(context.Background(), "nvidia-smi")
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if metrics.MemTotalBytes == 0 || metrics.CPUCount == 0 {
		t.Fatalf("expected memory and cpu count, got %+v", metrics)
	}
	if len(metrics.GPUs) != 1 || metrics.GPUs[0].UtilizationPct != 55 {
		t.Fatalf("unexpected gpu metrics %+v", metrics.GPUs)
	}
}

func withHelperCommand(t *testing.T, mode string) {
	t.Helper()
	orig := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "NVIDIA_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { commandContext = orig })
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("NVIDIA_HELPER_MODE") {
	case "gpus":
		fmt.Println("0, NVIDIA GeForce RTX 3080, GPU-abc")
	case "metrics":
		fmt.Println("0, NVIDIA GeForce RTX 3080, 55, 2048, 10240")
	default:
		os.Exit(2)
	}
	os.Exit(0)
}
