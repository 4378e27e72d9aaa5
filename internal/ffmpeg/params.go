package ffmpeg

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Params is the mutable ffmpeg invocation assembled while a graph runs.
type Params struct {
	Input      string
	Output     string
	HWAccel    []string
	InputArgs  []string
	Maps       []string
	Video      Codec
	Audio      Codec
	Subtitle   Codec
	Filters    []string
	Container  string
	Extension  string
	CustomArgs []string
}

// Codec selects an encoder and its options for one stream kind.
type Codec struct {
	Name string
	Args []string
}

// containerExtensions maps ffmpeg muxer names to output file extensions.
var containerExtensions = map[string]string{
	"matroska": ".mkv",
	"mp4":      ".mp4",
	"mov":      ".mov",
	"webm":     ".webm",
	"avi":      ".avi",
	"mpegts":   ".ts",
}

// NewParams starts a builder that copies every stream of input.
func NewParams(input string) *Params {
	return &Params{Input: input}
}

// muxerAliases maps extension-style names to ffmpeg muxers.
var muxerAliases = map[string]string{
	"mkv": "matroska",
	"ts":  "mpegts",
	"m4v": "mp4",
}

// SetContainer selects the output muxer and its extension.
func (p *Params) SetContainer(name string) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	if muxer, ok := muxerAliases[name]; ok {
		name = muxer
	}
	p.Container = name
	if ext, ok := containerExtensions[name]; ok {
		p.Extension = ext
	} else if name != "" {
		p.Extension = "." + name
	}
}

// OutputExtension is the extension the output should carry, defaulting to
// the input's.
func (p *Params) OutputExtension() string {
	if p.Extension != "" {
		return p.Extension
	}
	if ext := filepath.Ext(p.Input); ext != "" {
		return ext
	}
	return ".mkv"
}

// AddFilter appends a video filter to the -vf chain.
func (p *Params) AddFilter(filter string) {
	if filter = strings.TrimSpace(filter); filter != "" {
		p.Filters = append(p.Filters, filter)
	}
}

// Args renders the full argument list, excluding the binary and progress flags.
func (p *Params) Args() []string {
	args := make([]string, 0, 32)
	args = append(args, p.HWAccel...)
	args = append(args, p.InputArgs...)
	args = append(args, "-i", p.Input)

	maps := p.Maps
	if len(maps) == 0 {
		maps = []string{"0"}
	}
	for _, m := range maps {
		args = append(args, "-map", m)
	}
	args = appendCodec(args, "-c:v", p.Video)
	args = appendCodec(args, "-c:a", p.Audio)
	args = appendCodec(args, "-c:s", p.Subtitle)
	if len(p.Filters) > 0 {
		args = append(args, "-vf", strings.Join(p.Filters, ","))
	}
	if p.Container != "" {
		args = append(args, "-f", p.Container)
	}
	args = append(args, p.CustomArgs...)
	if p.Output != "" {
		args = append(args, p.Output)
	}
	return args
}

func appendCodec(args []string, flag string, c Codec) []string {
	name := c.Name
	if name == "" {
		name = "copy"
	}
	args = append(args, flag, name)
	return append(args, c.Args...)
}

// DecodeCheckArgs decodes every stream of path to the null muxer, surfacing
// corruption as error-level log lines. accelerator selects hardware decode.
func DecodeCheckArgs(path, accelerator string, gpuIndex *int) []string {
	args := HWAccelArgs(accelerator, gpuIndex, false)
	return append(args, "-v", "error", "-xerror", "-i", path, "-map", "0:v?", "-map", "0:a?", "-f", "null", "-")
}

// HWAccelArgs returns the input-side flags for hardware decoding. When
// keepOnDevice is set frames stay in GPU memory for a matching encoder.
func HWAccelArgs(accelerator string, gpuIndex *int, keepOnDevice bool) []string {
	switch strings.ToLower(accelerator) {
	case "nvidia":
		args := []string{"-hwaccel", "cuda"}
		if gpuIndex != nil {
			args = append(args, "-hwaccel_device", strconv.Itoa(*gpuIndex))
		}
		if keepOnDevice {
			args = append(args, "-hwaccel_output_format", "cuda")
		}
		return args
	case "intel", "vaapi", "amd":
		device := "/dev/dri/renderD128"
		if gpuIndex != nil {
			device = "/dev/dri/renderD" + strconv.Itoa(128+*gpuIndex)
		}
		args := []string{"-hwaccel", "vaapi", "-hwaccel_device", device}
		if keepOnDevice {
			args = append(args, "-hwaccel_output_format", "vaapi")
		}
		return args
	default:
		return nil
	}
}
