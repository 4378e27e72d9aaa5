// Package audio chooses which audio streams a transcode keeps.
//
// Select keeps one track per requested language. Candidates are ranked by
// channel count, then lossless codecs (TrueHD, DTS-HD MA, FLAC, PCM), then
// the default disposition, with stream order breaking ties. When no track
// matches any requested language the best track overall is kept, so the
// output never loses its audio.
//
// Language codes are compared through internal/language, so "ger", "deu"
// and "de" select the same tracks.
package audio
