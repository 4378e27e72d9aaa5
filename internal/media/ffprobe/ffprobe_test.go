package ffprobe

import (
	"math"
	"testing"
)

const sample = `{
  "streams": [
    {"index": 0, "codec_name": "H264", "codec_type": "video", "width": 1920, "height": 1080, "avg_frame_rate": "24000/1001"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 2},
    {"index": 2, "codec_name": "ac3", "codec_type": "audio", "channels": 6},
    {"index": 3, "codec_name": "subrip", "codec_type": "subtitle"}
  ],
  "format": {"format_name": "matroska,webm", "duration": "100.1", "size": "1000", "bit_rate": "32000"}
}`

func TestParseSummaries(t *testing.T) {
	result, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.VideoStreamCount() != 1 || result.AudioStreamCount() != 2 || result.SubtitleCount() != 1 {
		t.Fatalf("unexpected stream counts %+v", result.Streams)
	}
	if result.VideoCodec() != "h264" {
		t.Fatalf("unexpected video codec %q", result.VideoCodec())
	}
	if codecs := result.AudioCodecs(); len(codecs) != 2 || codecs[1] != "ac3" {
		t.Fatalf("unexpected audio codecs %v", codecs)
	}
	if result.Container() != "matroska" || len(result.ContainerNames()) != 2 {
		t.Fatalf("unexpected container %q %v", result.Container(), result.ContainerNames())
	}
	if got := result.FrameCount(); got != 2400 {
		t.Fatalf("expected frame count estimated from rate, got %d", got)
	}
	if result.SizeBytes() != 1000 || result.BitRate() != 32000 {
		t.Fatalf("unexpected size/bitrate %d/%d", result.SizeBytes(), result.BitRate())
	}
}

func TestFrameCountPrefersRecordedFrames(t *testing.T) {
	result := Result{
		Streams: []Stream{{CodecType: "video", NBFrames: "1234", AvgFrameRate: "25/1"}},
		Format:  Format{Duration: "10"},
	}
	if result.FrameCount() != 1234 {
		t.Fatalf("expected recorded frame count, got %d", result.FrameCount())
	}
}

func TestResultHelpersHandleInvalidNumbers(t *testing.T) {
	result := Result{
		Format: Format{
			Duration: "bad",
			Size:     "-1",
			BitRate:  "nope",
		},
	}
	if !math.IsNaN(result.DurationSeconds()) {
		t.Fatalf("expected duration NaN, got %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 0 || result.BitRate() != 0 || result.FrameCount() != 0 {
		t.Fatalf("expected zero values, got %d/%d/%d", result.SizeBytes(), result.BitRate(), result.FrameCount())
	}
}
