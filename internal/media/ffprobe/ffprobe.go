package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

var commandContext = exec.CommandContext

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Duration     string `json:"duration"`
	BitRate      string `json:"bit_rate"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Channels     int    `json:"channels"`
	NBFrames     string `json:"nb_frames"`
	AvgFrameRate string `json:"avg_frame_rate"`

	CodecLong     string            `json:"codec_long_name"`
	Profile       string            `json:"profile"`
	ChannelLayout string            `json:"channel_layout"`
	Tags          map[string]string `json:"tags"`
	Disposition   map[string]int    `json:"disposition"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Inspect executes ffprobe against path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := commandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, detail)
	}
	return Parse(output)
}

// Parse decodes raw ffprobe JSON.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

func (r Result) streams(kind string) []Stream {
	var out []Stream
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			out = append(out, stream)
		}
	}
	return out
}

// VideoStream returns the first video stream.
func (r Result) VideoStream() (Stream, bool) {
	videos := r.streams("video")
	if len(videos) == 0 {
		return Stream{}, false
	}
	return videos[0], true
}

// VideoStreamCount returns the number of video streams discovered.
func (r Result) VideoStreamCount() int {
	return len(r.streams("video"))
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	return len(r.streams("audio"))
}

// SubtitleCount returns the number of subtitle streams discovered.
func (r Result) SubtitleCount() int {
	return len(r.streams("subtitle"))
}

// VideoCodec returns the codec of the first video stream.
func (r Result) VideoCodec() string {
	if v, ok := r.VideoStream(); ok {
		return strings.ToLower(v.CodecName)
	}
	return ""
}

// AudioCodecs lists audio codecs in stream order.
func (r Result) AudioCodecs() []string {
	audio := r.streams("audio")
	codecs := make([]string, 0, len(audio))
	for _, stream := range audio {
		codecs = append(codecs, strings.ToLower(stream.CodecName))
	}
	return codecs
}

// Container returns the first name ffprobe lists for the container format.
func (r Result) Container() string {
	name, _, _ := strings.Cut(r.Format.FormatName, ",")
	return strings.ToLower(strings.TrimSpace(name))
}

// ContainerNames lists every alias ffprobe reports for the container.
func (r Result) ContainerNames() []string {
	var names []string
	for _, part := range strings.Split(r.Format.FormatName, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// DurationSeconds returns the container duration in seconds, or 0 when unavailable.
func (r Result) DurationSeconds() float64 {
	return parseFloat(r.Format.Duration)
}

// FrameCount returns the video frame count, estimated from duration and
// frame rate when the container does not record it.
func (r Result) FrameCount() int64 {
	v, ok := r.VideoStream()
	if !ok {
		return 0
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(v.NBFrames), 10, 64); err == nil && n > 0 {
		return n
	}
	fps := parseRate(v.AvgFrameRate)
	duration := r.DurationSeconds()
	if fps <= 0 || math.IsNaN(duration) || duration <= 0 {
		return 0
	}
	return int64(math.Round(duration * fps))
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// BitRate returns the container bitrate in bits per second, or 0 when unavailable.
func (r Result) BitRate() int64 {
	rate := parseFloat(r.Format.BitRate)
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	return int64(rate)
}

func parseRate(value string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(value), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
