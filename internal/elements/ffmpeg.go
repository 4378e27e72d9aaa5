package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"lattice/internal/engine"
	"lattice/internal/ffmpeg"
	"lattice/internal/media/audio"
	"lattice/internal/services"
)

// encoderFamilies maps a codec family to its encoder per accelerator.
var encoderFamilies = map[string]map[string]string{
	"h264": {"cpu": "libx264", "nvidia": "h264_nvenc", "vaapi": "h264_vaapi"},
	"hevc": {"cpu": "libx265", "nvidia": "hevc_nvenc", "vaapi": "hevc_vaapi"},
	"av1":  {"cpu": "libsvtav1", "nvidia": "av1_nvenc", "vaapi": "av1_vaapi"},
}

// accelFamily collapses vendor labels onto the ffmpeg hwaccel API they use.
func accelFamily(accelerator string) string {
	switch strings.ToLower(accelerator) {
	case "nvidia":
		return "nvidia"
	case "intel", "amd", "vaapi":
		return "vaapi"
	default:
		return "cpu"
	}
}

// ResolveEncoder picks a concrete encoder. codec may be a family such as
// "hevc" or an explicit ffmpeg encoder name, which is used unchanged.
func ResolveEncoder(codec string, ec *engine.Context) string {
	codec = strings.ToLower(strings.TrimSpace(codec))
	if codec == "x265" || codec == "h265" {
		codec = "hevc"
	}
	family, ok := encoderFamilies[codec]
	if !ok {
		return codec
	}
	accel := "cpu"
	if ec.UsesGPU() {
		accel = accelFamily(ec.Accelerator())
	}
	return family[accel]
}

// qualityFlag is the constant-quality option each encoder family accepts.
func qualityFlag(encoder string) string {
	switch {
	case strings.HasSuffix(encoder, "_nvenc"):
		return "-cq"
	case strings.HasSuffix(encoder, "_vaapi"), strings.HasSuffix(encoder, "_qsv"):
		return "-qp"
	default:
		return "-crf"
	}
}

func runContainer(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Container string `json:"container"`
	}
	if err := decode("ffmpeg_container", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if strings.TrimSpace(cfg.Container) == "" {
		return engine.Result{}, services.Wrap(services.ErrValidation, "ffmpeg_container", "decode config", "container is required", nil)
	}
	ec.Params.SetContainer(cfg.Container)
	tools.Log(fmt.Sprintf("container %s (%s)", ec.Params.Container, ec.Params.OutputExtension()))
	return engine.Result{}, nil
}

func runVideo(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Codec   string   `json:"codec"`
		Quality *int     `json:"quality"`
		CRF     *int     `json:"crf"`
		Preset  string   `json:"preset"`
		Bitrate string   `json:"bitrate"`
		Args    []string `json:"args"`
	}
	if err := decode("ffmpeg_video", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if cfg.Codec == "" {
		cfg.Codec = "copy"
	}
	encoder := ResolveEncoder(cfg.Codec, ec)
	codec := ffmpeg.Codec{Name: encoder}
	if encoder != "copy" {
		quality := cfg.Quality
		if quality == nil {
			quality = cfg.CRF
		}
		if quality != nil {
			codec.Args = append(codec.Args, qualityFlag(encoder), strconv.Itoa(*quality))
		}
		if cfg.Preset != "" {
			codec.Args = append(codec.Args, "-preset", cfg.Preset)
		}
		if cfg.Bitrate != "" {
			codec.Args = append(codec.Args, "-b:v", cfg.Bitrate)
		}
	}
	codec.Args = append(codec.Args, cfg.Args...)
	ec.Params.Video = codec
	tools.Log(fmt.Sprintf("video encoder %s", encoder))
	return engine.Result{}, nil
}

func runAudio(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Codec    string   `json:"codec"`
		Bitrate  string   `json:"bitrate"`
		Channels int      `json:"channels"`
		Args     []string `json:"args"`
	}
	if err := decode("ffmpeg_audio", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	codec := ffmpeg.Codec{Name: strings.TrimSpace(cfg.Codec)}
	if codec.Name == "" {
		codec.Name = "copy"
	}
	if codec.Name != "copy" {
		if cfg.Bitrate != "" {
			codec.Args = append(codec.Args, "-b:a", cfg.Bitrate)
		}
		if cfg.Channels > 0 {
			codec.Args = append(codec.Args, "-ac", strconv.Itoa(cfg.Channels))
		}
	}
	codec.Args = append(codec.Args, cfg.Args...)
	ec.Params.Audio = codec
	tools.Log(fmt.Sprintf("audio encoder %s", codec.Name))
	return engine.Result{}, nil
}

// runAudioSelect keeps the best audio track per configured language and
// drops the rest. It branches true when any track is dropped.
func runAudioSelect(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Languages []string `json:"languages"`
	}
	if err := decode("ffmpeg_audio_select", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if len(normalizeList(cfg.Languages)) == 0 {
		return engine.Result{}, services.Wrap(services.ErrValidation, "ffmpeg_audio_select", "decode config", "languages is required", nil)
	}
	sel := audio.Select(ec.Probe.Streams, normalizeList(cfg.Languages))
	if !sel.Changed() {
		tools.Log(fmt.Sprintf("keeping all %d audio stream(s)", len(sel.Keep)))
		return branch(false), nil
	}
	maps := ec.Params.Maps
	if len(maps) == 0 {
		maps = []string{"0"}
	}
	maps = append(append([]string(nil), maps...), "-0:a")
	for _, idx := range sel.Keep {
		maps = append(maps, "0:"+strconv.Itoa(idx))
		for _, s := range ec.Probe.Streams {
			if s.Index == idx {
				tools.Log(fmt.Sprintf("keeping audio stream %d (%s)", idx, audio.Describe(s)))
			}
		}
	}
	ec.Params.Maps = maps
	tools.Log(fmt.Sprintf("dropping %d audio stream(s)", len(sel.Removed)))
	return branch(true), nil
}

func runSubtitles(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Codec string `json:"codec"`
		Drop  bool   `json:"drop"`
	}
	if err := decode("ffmpeg_subtitles", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if cfg.Drop {
		ec.Params.Maps = []string{"0", "-0:s"}
		ec.Params.Subtitle = ffmpeg.Codec{}
		tools.Log("dropping subtitle streams")
		return engine.Result{}, nil
	}
	ec.Params.Subtitle = ffmpeg.Codec{Name: strings.TrimSpace(cfg.Codec)}
	return engine.Result{}, nil
}

func runFilter(_ context.Context, ec *engine.Context, raw json.RawMessage, _ engine.Tools) (engine.Result, error) {
	var cfg struct {
		Filter  string   `json:"filter"`
		Filters []string `json:"filters"`
	}
	if err := decode("ffmpeg_filter", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	ec.Params.AddFilter(cfg.Filter)
	for _, f := range cfg.Filters {
		ec.Params.AddFilter(f)
	}
	return engine.Result{}, nil
}

func runHWAccel(_ context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		KeepOnDevice bool `json:"keepOnDevice"`
	}
	if err := decode("ffmpeg_hwaccel", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	if !ec.UsesGPU() {
		tools.Log("cpu slot, hardware decode skipped")
		return engine.Result{}, nil
	}
	ec.Params.HWAccel = ffmpeg.HWAccelArgs(ec.Accelerator(), ec.Job.GPUIndex, cfg.KeepOnDevice)
	tools.Log(fmt.Sprintf("hardware decode via %s", ec.Accelerator()))
	return engine.Result{}, nil
}

func runCustomArgs(_ context.Context, ec *engine.Context, raw json.RawMessage, _ engine.Tools) (engine.Result, error) {
	var cfg struct {
		Input  []string `json:"input"`
		Output []string `json:"output"`
	}
	if err := decode("ffmpeg_custom_args", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	ec.Params.InputArgs = append(ec.Params.InputArgs, cfg.Input...)
	ec.Params.CustomArgs = append(ec.Params.CustomArgs, cfg.Output...)
	return engine.Result{}, nil
}

// runExecute renders the accumulated parameters and runs ffmpeg, leaving
// the encoded file in the run's temp dir.
func runExecute(ctx context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
	var cfg struct {
		Output string `json:"output"`
	}
	if err := decode("ffmpeg_execute", raw, &cfg); err != nil {
		return engine.Result{}, err
	}
	ec.Params.Input = ec.InputPath
	ec.Params.Output = cfg.Output
	if ec.Params.Output == "" {
		ec.Params.Output = ec.DefaultOutputPath()
	}
	if err := tools.RunFFmpeg(ctx, ec.Params.Args(), ec.Probe.DurationSeconds(), ec.Probe.FrameCount()); err != nil {
		return engine.Result{}, err
	}
	info, err := os.Stat(ec.Params.Output)
	if err != nil || info.Size() == 0 {
		return engine.Result{}, services.Wrap(services.ErrExternalTool, "ffmpeg_execute", "verify output", fmt.Sprintf("ffmpeg produced no output at %s", ec.Params.Output), err)
	}
	ec.OutputPath = ec.Params.Output
	tools.Log(fmt.Sprintf("encoded %s (%d bytes)", ec.OutputPath, info.Size()))
	return engine.Result{}, nil
}
