package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lattice/internal/engine"
	"lattice/internal/ffmpeg"
	"lattice/internal/graph"
	"lattice/internal/media/ffprobe"
	"lattice/internal/services"
	"lattice/internal/testsupport"
)

type stubHandler struct {
	name    string
	version string
	weight  int
	result  engine.Result
	err     error
	calls   *[]string
}

func (h stubHandler) Type() string { return h.name }

func (h stubHandler) Version() string {
	if h.version == "" {
		return "1"
	}
	return h.version
}

func (h stubHandler) Weight() int { return h.weight }

func (h stubHandler) Execute(_ context.Context, _ *engine.Context, _ json.RawMessage, tools engine.Tools) (engine.Result, error) {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.name)
	}
	tools.Progress(0.5)
	return h.result, h.err
}

type recordingSink struct {
	mu       sync.Mutex
	progress []float64
	logs     []string
	reports  []engine.FileReport
}

func (s *recordingSink) Log(stage, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, stage+": "+line)
}

func (s *recordingSink) Progress(_ context.Context, percent float64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, percent)
}

func (s *recordingSink) Report(_ context.Context, report engine.FileReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func fakeProbe(context.Context, string) (ffprobe.Result, error) {
	return ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "video", CodecName: "h264", Width: 1280, Height: 720}, {CodecType: "audio", CodecName: "aac"}},
		Format:  ffprobe.Format{FormatName: "matroska,webm", Duration: "60"},
	}, nil
}

func mustGraph(t *testing.T, doc string) graph.Graph {
	t.Helper()
	g, err := graph.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	return g
}

func newWalker(t *testing.T, handlers ...engine.Handler) *engine.Walker {
	t.Helper()
	reg, err := engine.NewRegistry(handlers...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return engine.NewWalker(reg, nil, fakeProbe, 0, nil)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestWalkLinearGraphReportsWeightedProgress(t *testing.T) {
	var calls []string
	w := newWalker(t,
		stubHandler{name: "input", calls: &calls},
		stubHandler{name: "middle", calls: &calls},
		stubHandler{name: "output", calls: &calls, result: engine.Result{Complete: true}},
	)
	g := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"},{"id":"b","elementType":"middle"},{"id":"c","elementType":"output"}],
		"edges":[{"source":"a","target":"b"},{"source":"b","target":"c"}]}`)

	sink := &recordingSink{}
	result, err := w.Walk(context.Background(), &engine.Context{}, g, sink)
	if err != nil || !result.Complete {
		t.Fatalf("expected completion, got %+v err=%v", result, err)
	}
	if strings.Join(calls, ",") != "input,middle,output" {
		t.Fatalf("unexpected order %v", calls)
	}
	// input at 50% gives 16.67, then 33.33 once input finishes.
	if len(sink.progress) < 2 || !approx(sink.progress[0], 100.0/6) || !approx(sink.progress[1], 100.0/3) {
		t.Fatalf("expected 16.67 then 33.33, got %v", sink.progress)
	}
	if last := sink.progress[len(sink.progress)-1]; last != 100 {
		t.Fatalf("expected final 100, got %v", last)
	}
	for i := 1; i < len(sink.progress); i++ {
		if sink.progress[i] < sink.progress[i-1] {
			t.Fatalf("progress went backwards: %v", sink.progress)
		}
	}
}

func TestWalkTotalWeightIsBranchInvariant(t *testing.T) {
	doc := `{"nodes":[
		{"id":"in","elementType":"input"},
		{"id":"check","elementType":"check"},
		{"id":"heavy","elementType":"heavy"},
		{"id":"out","elementType":"output"}],
		"edges":[
		{"source":"in","target":"check"},
		{"source":"check","sourceHandle":"true","target":"out"},
		{"source":"check","sourceHandle":"false","target":"heavy"},
		{"source":"heavy","target":"out"}]}`
	for _, handle := range []string{"true", "false"} {
		w := newWalker(t,
			stubHandler{name: "input"},
			stubHandler{name: "check", result: engine.Result{NextHandle: handle}},
			stubHandler{name: "heavy", weight: 6},
			stubHandler{name: "output", result: engine.Result{Complete: true}},
		)
		sink := &recordingSink{}
		if _, err := w.Walk(context.Background(), &engine.Context{}, mustGraph(t, doc), sink); err != nil {
			t.Fatalf("%s branch: %v", handle, err)
		}
		// Total is 1+1+6+1 on both branches, so input finishing is 1/9.
		if !approx(sink.progress[1], 100.0/9) {
			t.Fatalf("%s branch: expected %.2f after input, got %v", handle, 100.0/9, sink.progress)
		}
	}
}

func TestWalkCycleGuard(t *testing.T) {
	w := newWalker(t, stubHandler{name: "input"}, stubHandler{name: "loop"})
	g := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"},{"id":"b","elementType":"loop"}],
		"edges":[{"source":"a","target":"b"},{"source":"b","target":"a"}]}`)
	_, err := w.Walk(context.Background(), &engine.Context{}, g, &recordingSink{})
	if err == nil || !strings.Contains(err.Error(), "possible cycle") {
		t.Fatalf("expected possible cycle error, got %v", err)
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
}

// retryHandler answers "retry" until remaining runs out, then "done".
type retryHandler struct {
	remaining *int
}

func (retryHandler) Type() string    { return "retry_check" }
func (retryHandler) Version() string { return "1" }
func (retryHandler) Weight() int     { return 0 }

func (h retryHandler) Execute(context.Context, *engine.Context, json.RawMessage, engine.Tools) (engine.Result, error) {
	if *h.remaining > 0 {
		*h.remaining--
		return engine.Result{NextHandle: "retry"}, nil
	}
	return engine.Result{NextHandle: "done"}, nil
}

func TestWalkRetryLoopLongerThanGraphBudgetCompletes(t *testing.T) {
	var calls []string
	retries := 7
	w := newWalker(t,
		stubHandler{name: "input", calls: &calls},
		stubHandler{name: "work", calls: &calls},
		retryHandler{remaining: &retries},
		stubHandler{name: "output", calls: &calls, result: engine.Result{Complete: true}},
	)
	g := mustGraph(t, `{"nodes":[{"id":"in","elementType":"input"},{"id":"work","elementType":"work"},
		{"id":"check","elementType":"retry_check"},{"id":"out","elementType":"output"}],
		"edges":[{"source":"in","target":"work"},{"source":"work","target":"check"},
		{"source":"check","sourceHandle":"retry","target":"work"},
		{"source":"check","sourceHandle":"done","target":"out"}]}`)

	// 1 input + 8 work + 8 check + 1 output = 18 steps, above 4+10.
	result, err := w.Walk(context.Background(), &engine.Context{}, g, &recordingSink{})
	if err != nil {
		t.Fatalf("retry loop should finish, got %v", err)
	}
	if !result.Complete {
		t.Fatalf("expected complete result, got %+v", result)
	}
	work := 0
	for _, c := range calls {
		if c == "work" {
			work++
		}
	}
	if work != 8 || calls[len(calls)-1] != "output" {
		t.Fatalf("unexpected call sequence %v", calls)
	}
}

func TestWalkStopsOnRequeueAndWithoutEdges(t *testing.T) {
	var calls []string
	w := newWalker(t,
		stubHandler{name: "input", calls: &calls},
		stubHandler{name: "requeue", calls: &calls, result: engine.Result{Requeue: true, RequeueType: "healthcheck"}},
		stubHandler{name: "output", calls: &calls, result: engine.Result{Complete: true}},
	)
	g := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"},{"id":"r","elementType":"requeue"},{"id":"o","elementType":"output"}],
		"edges":[{"source":"a","target":"r"},{"source":"r","target":"o"}]}`)
	result, err := w.Walk(context.Background(), &engine.Context{}, g, &recordingSink{})
	if err != nil || !result.Requeue || result.RequeueType != "healthcheck" || result.Complete {
		t.Fatalf("expected requeue result, got %+v err=%v", result, err)
	}
	if len(calls) != 2 {
		t.Fatalf("output must not run after requeue, calls=%v", calls)
	}

	dangling := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"}],"edges":[]}`)
	result, err = w.Walk(context.Background(), &engine.Context{}, dangling, &recordingSink{})
	if err != nil || !result.Complete {
		t.Fatalf("walk without edges should succeed, got %+v err=%v", result, err)
	}
}

func TestWalkFailures(t *testing.T) {
	boom := errors.New("boom")
	w := newWalker(t, stubHandler{name: "input", err: boom})
	g := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"}],"edges":[]}`)
	if _, err := w.Walk(context.Background(), &engine.Context{}, g, &recordingSink{}); !errors.Is(err, boom) {
		t.Fatalf("expected element error, got %v", err)
	}

	w = newWalker(t, stubHandler{name: "input"})
	unknown := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"},{"id":"b","elementType":"mystery"}],"edges":[{"source":"a","target":"b"}]}`)
	if _, err := w.Walk(context.Background(), &engine.Context{}, unknown, &recordingSink{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown element, got %v", err)
	}
	noInput := mustGraph(t, `{"nodes":[{"id":"b","elementType":"output"}],"edges":[]}`)
	if _, err := w.Walk(context.Background(), &engine.Context{}, noInput, &recordingSink{}); !errors.Is(err, graph.ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestRegistryCheckBundle(t *testing.T) {
	reg, err := engine.NewRegistry(stubHandler{name: "input"}, stubHandler{name: "ffmpeg_execute", version: "2"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := engine.NewRegistry(stubHandler{name: "input"}, stubHandler{name: "input"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := reg.CheckBundle([]graph.ElementRef{{Type: "input", Version: "1"}, {Type: "ffmpeg_execute", Version: "2"}}); err != nil {
		t.Fatalf("matching bundle rejected: %v", err)
	}
	err = reg.CheckBundle([]graph.ElementRef{{Type: "ffmpeg_execute", Version: "3"}, {Type: "ocr", Version: "1"}})
	if !errors.Is(err, services.ErrValidation) || !strings.Contains(err.Error(), "ocr") || !strings.Contains(err.Error(), `"3"`) {
		t.Fatalf("expected both problems reported, got %v", err)
	}
	if reg.Weight("ffmpeg_execute") != 10 || reg.Weight("input") != 1 {
		t.Fatalf("unexpected weights %d/%d", reg.Weight("ffmpeg_execute"), reg.Weight("input"))
	}
	if got := reg.Catalog()["ffmpeg_execute"]; got != "2" {
		t.Fatalf("unexpected catalog version %q", got)
	}
}

func TestRunRemovesTempDirAndRejectsBadBundle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	source := filepath.Join(testsupport.BaseDir(cfg), "media", "a.mkv")
	testsupport.WriteFile(t, source, 2048)

	var seenTemp string
	capture := captureTemp{dir: &seenTemp}
	reg, err := engine.NewRegistry(capture, stubHandler{name: "output", result: engine.Result{Complete: true}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eng := engine.New(reg, engine.Options{WorkDir: cfg.Paths.WorkDir, Probe: fakeProbe})

	g := mustGraph(t, `{"nodes":[{"id":"a","elementType":"input"},{"id":"o","elementType":"output"}],"edges":[{"source":"a","target":"o"}]}`)
	payload := graph.NewPayload(1, "t", 1, graph.Requirements{}, g, reg.Catalog())
	job := engine.Job{ID: 7, Type: engine.JobTranscode, Path: source, Payload: &payload}

	result, err := eng.Run(context.Background(), job, &recordingSink{})
	if err != nil || !result.Complete {
		t.Fatalf("Run: %+v err=%v", result, err)
	}
	if seenTemp == "" {
		t.Fatal("expected element to observe a temp dir")
	}
	if _, err := os.Stat(seenTemp); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed, stat err=%v", err)
	}

	payload.Bundle[0].Version = "9"
	if _, err := eng.Run(context.Background(), job, &recordingSink{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected bundle mismatch, got %v", err)
	}

	job.Path = filepath.Join(testsupport.BaseDir(cfg), "media", "missing.mkv")
	job.Type = engine.JobHealthcheck
	if _, err := eng.Run(context.Background(), job, &recordingSink{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected missing file validation error, got %v", err)
	}
}

type captureTemp struct{ dir *string }

func (captureTemp) Type() string    { return "input" }
func (captureTemp) Version() string { return "1" }
func (c captureTemp) Execute(_ context.Context, ec *engine.Context, _ json.RawMessage, _ engine.Tools) (engine.Result, error) {
	*c.dir = ec.TempDir
	if _, err := os.Stat(ec.TempDir); err != nil {
		return engine.Result{}, err
	}
	return engine.Result{}, nil
}

func TestHealthcheckDecodesAndReports(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("ffmpeg"))
	source := filepath.Join(testsupport.BaseDir(cfg), "media", "b.mkv")
	testsupport.WriteFile(t, source, 4096)

	reg, _ := engine.NewRegistry()
	eng := engine.New(reg, engine.Options{
		WorkDir: cfg.Paths.WorkDir,
		Probe:   fakeProbe,
		Runner:  ffmpeg.NewRunner("ffmpeg", nil),
	})
	sink := &recordingSink{}
	result, err := eng.Run(context.Background(), engine.Job{ID: 1, Type: engine.JobHealthcheck, Path: source}, sink)
	if err != nil || !result.Complete {
		t.Fatalf("healthcheck: %+v err=%v", result, err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(sink.reports))
	}
	fields := sink.reports[0].Fields
	if fields.Size != 4096 || fields.VideoCodec != "h264" || fields.Container != "matroska" || fields.Width != 1280 || sink.reports[0].Final {
		t.Fatalf("unexpected report %+v", sink.reports[0])
	}
	if sink.progress[len(sink.progress)-1] != 100 {
		t.Fatalf("expected final 100, got %v", sink.progress)
	}

	bin := filepath.Join(testsupport.BaseDir(cfg), "bin", "ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\necho 'corrupt decoded frame' >&2\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("rewrite stub: %v", err)
	}
	_, err = eng.Run(context.Background(), engine.Job{ID: 2, Type: engine.JobHealthcheck, Path: source}, &recordingSink{})
	if !errors.Is(err, services.ErrExternalTool) || !strings.Contains(err.Error(), "corrupt decoded frame") {
		t.Fatalf("expected decode failure, got %v", err)
	}
}
