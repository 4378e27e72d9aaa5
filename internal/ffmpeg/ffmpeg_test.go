package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"

	"lattice/internal/services"
)

func TestParamsArgsDefaultsToStreamCopy(t *testing.T) {
	p := NewParams("/in/movie.mp4")
	p.Output = "/tmp/out.mp4"
	got := strings.Join(p.Args(), " ")
	want := "-i /in/movie.mp4 -map 0 -c:v copy -c:a copy -c:s copy /tmp/out.mp4"
	if got != want {
		t.Fatalf("unexpected args\n got: %s\nwant: %s", got, want)
	}
	if p.OutputExtension() != ".mp4" {
		t.Fatalf("expected input extension, got %q", p.OutputExtension())
	}
}

func TestParamsArgsOrdering(t *testing.T) {
	idx := 1
	p := NewParams("in.mkv")
	p.HWAccel = HWAccelArgs("nvidia", &idx, true)
	p.Video = Codec{Name: "hevc_nvenc", Args: []string{"-cq", "24"}}
	p.Audio = Codec{Name: "libopus", Args: []string{"-b:a", "128k"}}
	p.AddFilter("scale=-2:1080")
	p.AddFilter(" ")
	p.SetContainer("matroska")
	p.CustomArgs = []string{"-max_muxing_queue_size", "1024"}
	p.Output = "out.mkv"

	args := p.Args()
	if args[0] != "-hwaccel" || args[1] != "cuda" || !slices.Contains(args, "-hwaccel_output_format") {
		t.Fatalf("expected hwaccel flags first, got %v", args)
	}
	joined := strings.Join(args, " ")
	for _, fragment := range []string{"-hwaccel_device 1", "-c:v hevc_nvenc -cq 24", "-c:a libopus -b:a 128k", "-vf scale=-2:1080", "-f matroska", "-max_muxing_queue_size 1024 out.mkv"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected %q in %s", fragment, joined)
		}
	}
	if p.OutputExtension() != ".mkv" {
		t.Fatalf("expected .mkv, got %q", p.OutputExtension())
	}
}

func TestDecodeCheckArgs(t *testing.T) {
	args := DecodeCheckArgs("/m/a.mkv", "cpu", nil)
	if args[0] != "-v" || args[len(args)-1] != "-" || !slices.Contains(args, "null") {
		t.Fatalf("unexpected decode args %v", args)
	}
	idx := 1
	vaapi := DecodeCheckArgs("/m/a.mkv", "intel", &idx)
	if !slices.Contains(vaapi, "/dev/dri/renderD129") {
		t.Fatalf("expected render node for gpu 1, got %v", vaapi)
	}
}

func TestProgressParser(t *testing.T) {
	p := NewProgressParser(200, 0)
	for _, line := range []string{"frame=10", "out_time_us=50000000", "speed=2x"} {
		if _, ok := p.Feed(line); ok {
			t.Fatalf("unexpected report on %q", line)
		}
	}
	if f, ok := p.Feed("progress=continue"); !ok || f != 0.25 {
		t.Fatalf("expected 0.25, got %v %v", f, ok)
	}
	p.Feed("out_time=00:02:30.000000")
	if f, _ := p.Feed("progress=continue"); f != 0.75 {
		t.Fatalf("expected 0.75 from clock, got %v", f)
	}
	if f, ok := p.Feed("progress=end"); !ok || f != 1 {
		t.Fatalf("expected 1 at end, got %v", f)
	}

	frames := NewProgressParser(0, 400)
	frames.Feed("frame=100")
	if f, _ := frames.Feed("progress=continue"); f != 0.25 {
		t.Fatalf("expected frame based 0.25, got %v", f)
	}
	unknown := NewProgressParser(0, 0)
	unknown.Feed("frame=100")
	if f, _ := unknown.Feed("progress=continue"); f != 0 {
		t.Fatalf("expected 0 without totals, got %v", f)
	}
}

func TestRunnerReportsProgress(t *testing.T) {
	setHelperCommand(t, "success")
	var fractions []float64
	var lines []string
	err := NewRunner("ffmpeg", nil).Run(context.Background(), []string{"-i", "x"}, RunOptions{
		Duration:   10,
		OnProgress: func(f float64) { fractions = append(fractions, f) },
		OnLine:     func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fractions) < 2 || fractions[0] != 0.5 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("unexpected fractions %v", fractions)
	}
	if len(lines) != 1 || lines[0] != "Stream mapping:" {
		t.Fatalf("unexpected stderr lines %v", lines)
	}
}

func TestRunnerFailureCarriesOffendingLine(t *testing.T) {
	setHelperCommand(t, "failure")
	err := NewRunner("ffmpeg", nil).Run(context.Background(), nil, RunOptions{})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found when processing input") {
		t.Fatalf("expected offending line in %v", err)
	}
}

func TestRunnerFailOnErrorOutput(t *testing.T) {
	setHelperCommand(t, "decode-error")
	err := NewRunner("ffmpeg", nil).Run(context.Background(), nil, RunOptions{FailOnErrorOutput: true})
	if !errors.Is(err, services.ErrExternalTool) || !strings.Contains(err.Error(), "corrupt decoded frame") {
		t.Fatalf("expected decode check failure, got %v", err)
	}

	setHelperCommand(t, "decode-error")
	if err := NewRunner("ffmpeg", nil).Run(context.Background(), nil, RunOptions{}); err != nil {
		t.Fatalf("zero exit without strict mode should pass, got %v", err)
	}
}

func setHelperCommand(t *testing.T, mode string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "success":
		fmt.Fprintln(os.Stderr, "Stream mapping:")
		fmt.Println("frame=120")
		fmt.Println("out_time_us=5000000")
		fmt.Println("progress=continue")
		fmt.Println("out_time_us=10000000")
		fmt.Println("progress=end")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "Input #0, matroska")
		fmt.Fprintln(os.Stderr, "/m/a.mkv: Invalid data found when processing input")
		fmt.Fprintln(os.Stderr, "Exiting normally, received signal 0.")
		os.Exit(1)
	case "decode-error":
		fmt.Fprintln(os.Stderr, "[h264 @ 0x1] corrupt decoded frame in stream 0")
		os.Exit(0)
	default:
		os.Exit(2)
	}
}
