package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"lattice/internal/config"
	"lattice/internal/engine"
	"lattice/internal/graph"
	"lattice/internal/services"
	"lattice/internal/services/drapto"
)

// builtinVersion is the version every compiled-in element reports.
const builtinVersion = "1"

// Branch handles chosen by predicate elements.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

type runFunc func(ctx context.Context, ec *engine.Context, cfg json.RawMessage, tools engine.Tools) (engine.Result, error)

// element adapts a function to engine.Handler.
type element struct {
	name   string
	weight int
	run    runFunc
}

func (e element) Type() string    { return e.name }
func (e element) Version() string { return builtinVersion }
func (e element) Weight() int     { return e.weight }

func (e element) Execute(ctx context.Context, ec *engine.Context, cfg json.RawMessage, tools engine.Tools) (engine.Result, error) {
	return e.run(ctx, ec, cfg, tools)
}

// Options supplies the collaborators some built-ins need.
type Options struct {
	Drapto drapto.Client
}

// Builtins returns every compiled-in element.
func Builtins(opts Options) []engine.Handler {
	if opts.Drapto == nil {
		opts.Drapto = drapto.NewLibrary()
	}
	return []engine.Handler{
		element{name: graph.InputElement, weight: 1, run: runInput},
		element{name: "output", weight: 1, run: runOutput},
		element{name: "requeue", weight: 1, run: runRequeue},
		element{name: "fail", weight: 1, run: runFail},

		element{name: "ffmpeg_container", weight: 1, run: runContainer},
		element{name: "ffmpeg_video", weight: 1, run: runVideo},
		element{name: "ffmpeg_audio", weight: 1, run: runAudio},
		element{name: "ffmpeg_audio_select", weight: 1, run: runAudioSelect},
		element{name: "ffmpeg_subtitles", weight: 1, run: runSubtitles},
		element{name: "ffmpeg_filter", weight: 1, run: runFilter},
		element{name: "ffmpeg_hwaccel", weight: 1, run: runHWAccel},
		element{name: "ffmpeg_custom_args", weight: 1, run: runCustomArgs},
		element{name: "ffmpeg_execute", weight: 10, run: runExecute},
		element{name: "drapto_encode", weight: 10, run: draptoEncoder(opts.Drapto)},

		element{name: "check_video_codec", weight: 1, run: runCheckVideoCodec},
		element{name: "check_container", weight: 1, run: runCheckContainer},
		element{name: "check_size_ratio", weight: 1, run: runCheckSizeRatio},

		element{name: "replace_original", weight: 2, run: runReplaceOriginal},
		element{name: "move_file", weight: 2, run: runMoveFile},
		element{name: "probe_output", weight: 1, run: runProbeOutput},
	}
}

// NewRegistry builds the node's registry from the built-ins and the
// configured subprocess plugins.
func NewRegistry(cfg config.Node) (*engine.Registry, error) {
	var client drapto.Client
	if cfg.DraptoBinary != "" {
		client = drapto.NewCLI(drapto.WithBinary(cfg.DraptoBinary), drapto.WithPreset(cfg.DraptoPreset))
	}
	handlers := Builtins(Options{Drapto: client})
	for _, p := range cfg.Plugins {
		handlers = append(handlers, NewPlugin(p))
	}
	return engine.NewRegistry(handlers...)
}

// Catalog lists built-in and plugin element versions for bundle manifests.
func Catalog(plugins []config.Plugin) graph.StaticCatalog {
	catalog := make(graph.StaticCatalog)
	for _, h := range Builtins(Options{}) {
		catalog[h.Type()] = h.Version()
	}
	for _, p := range plugins {
		catalog[p.Type] = p.Version
	}
	return catalog
}

// Info summarizes an element for listings.
type Info struct {
	Type    string
	Version string
	Weight  int
	Plugin  bool
}

// Describe lists the built-ins followed by plugins, sorted by type.
func Describe(plugins []config.Plugin) []Info {
	var out []Info
	for _, h := range Builtins(Options{}) {
		w := 1
		if weighted, ok := h.(engine.Weighted); ok {
			w = weighted.Weight()
		}
		out = append(out, Info{Type: h.Type(), Version: h.Version(), Weight: w})
	}
	for _, p := range plugins {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		out = append(out, Info{Type: p.Type, Version: p.Version, Weight: w, Plugin: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func decode(element string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return services.Wrap(services.ErrValidation, element, "decode config", "", err)
	}
	return nil
}

func branch(ok bool) engine.Result {
	if ok {
		return engine.Result{NextHandle: HandleTrue}
	}
	return engine.Result{NextHandle: HandleFalse}
}

func runInput(_ context.Context, ec *engine.Context, _ json.RawMessage, tools engine.Tools) (engine.Result, error) {
	tools.Log(fmt.Sprintf("input %s", ec.InputPath))
	return engine.Result{}, nil
}

func runOutput(_ context.Context, _ *engine.Context, _ json.RawMessage, _ engine.Tools) (engine.Result, error) {
	return engine.Result{Complete: true}, nil
}

func runRequeue(_ context.Context, _ *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Type string `json:"type"`
	}
	if err := decode("requeue", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	switch cfg.Type {
	case "", engine.JobHealthcheck, engine.JobTranscode:
	default:
		return engine.Result{}, services.Wrap(services.ErrValidation, "requeue", "decode config", fmt.Sprintf("unknown job type %q", cfg.Type), nil)
	}
	tools.Log("requeueing job")
	return engine.Result{Requeue: true, RequeueType: cfg.Type}, nil
}

func runFail(_ context.Context, _ *engine.Context, raw json.RawMessage, _ engine.Tools) (engine.Result, error) {
	var cfg struct {
		Message string `json:"message"`
	}
	if err := decode("fail", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if cfg.Message == "" {
		cfg.Message = "failed by tree"
	}
	return engine.Result{}, services.Wrap(services.ErrValidation, "fail", "", cfg.Message, nil)
}
