// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Result carries the streams and container format of a media file, with
// helpers that summarize what the graph predicates and file reports need:
// video codec, audio codecs, subtitle count, duration, and frame count.
package ffprobe
