package engine

import (
	"math"

	"lattice/internal/api"
	"lattice/internal/media/ffprobe"
)

// FieldsFromProbe converts a probe into reportable file metadata. size wins
// over the container's reported size when positive.
func FieldsFromProbe(result ffprobe.Result, size int64) api.FileFields {
	fields := api.FileFields{
		Size:          size,
		Container:     result.Container(),
		VideoCodec:    result.VideoCodec(),
		FrameCount:    result.FrameCount(),
		Bitrate:       result.BitRate(),
		AudioCodecs:   result.AudioCodecs(),
		AudioCount:    result.AudioStreamCount(),
		SubtitleCount: result.SubtitleCount(),
	}
	if fields.Size <= 0 {
		fields.Size = result.SizeBytes()
	}
	if d := result.DurationSeconds(); !math.IsNaN(d) {
		fields.Duration = d
	}
	if v, ok := result.VideoStream(); ok {
		fields.Width = v.Width
		fields.Height = v.Height
	}
	return fields
}
