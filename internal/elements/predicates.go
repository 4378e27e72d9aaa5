package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"lattice/internal/engine"
	"lattice/internal/services"
)

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, strings.TrimPrefix(v, "."))
		}
	}
	return out
}

func runCheckVideoCodec(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Codecs []string `json:"codecs"`
	}
	if err := decode("check_video_codec", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	codecs := normalizeList(cfg.Codecs)
	if len(codecs) == 0 {
		return engine.Result{}, services.Wrap(services.ErrValidation, "check_video_codec", "decode config", "codecs is required", nil)
	}
	codec := ec.Probe.VideoCodec()
	match := slices.Contains(codecs, codec)
	tools.Log(fmt.Sprintf("video codec %q matches=%t", codec, match))
	return branch(match), nil
}

func runCheckContainer(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Containers []string `json:"containers"`
	}
	if err := decode("check_container", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	wanted := normalizeList(cfg.Containers)
	if len(wanted) == 0 {
		return engine.Result{}, services.Wrap(services.ErrValidation, "check_container", "decode config", "containers is required", nil)
	}
	names := ec.Probe.ContainerNames()
	names = append(names, strings.TrimPrefix(strings.ToLower(filepath.Ext(ec.InputPath)), "."))
	match := false
	for _, name := range names {
		if name != "" && slices.Contains(wanted, name) {
			match = true
			break
		}
	}
	tools.Log(fmt.Sprintf("container %v matches=%t", names, match))
	return branch(match), nil
}

// runCheckSizeRatio compares the encoded output against the source. The
// true handle is taken when output/source falls within [minRatio, maxRatio].
func runCheckSizeRatio(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	cfg := struct {
		MinRatio float64 `json:"minRatio"`
		MaxRatio float64 `json:"maxRatio"`
	}{MaxRatio: 1}
	if err := decode("check_size_ratio", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if ec.OutputPath == "" {
		return engine.Result{}, services.Wrap(services.ErrValidation, "check_size_ratio", "", "no encoded output to compare", nil)
	}
	source := tools.PathMetrics(ec.OriginalPath)
	output := tools.PathMetrics(ec.OutputPath)
	if !output.Exists || source.Size <= 0 {
		return engine.Result{}, services.Wrap(services.ErrValidation, "check_size_ratio", "", fmt.Sprintf("cannot compare %s with %s", ec.OutputPath, ec.OriginalPath), nil)
	}
	ratio := float64(output.Size) / float64(source.Size)
	ok := ratio >= cfg.MinRatio && ratio <= cfg.MaxRatio
	tools.Log(fmt.Sprintf("size ratio %.3f within [%.3f, %.3f]=%t", ratio, cfg.MinRatio, cfg.MaxRatio, ok))
	return branch(ok), nil
}
