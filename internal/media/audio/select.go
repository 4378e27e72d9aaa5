// Package audio ranks audio streams so a transcode can keep only the best
// track per wanted language.
package audio

import (
	"slices"
	"strconv"
	"strings"

	"lattice/internal/language"
	"lattice/internal/media/ffprobe"
)

// Selection is the audio layout chosen for an output file. Indices are
// absolute ffprobe stream indices.
type Selection struct {
	Keep    []int
	Removed []int
}

// Changed reports whether any audio stream is dropped.
func (s Selection) Changed() bool {
	return len(s.Removed) > 0
}

// Select keeps the highest ranked stream for each language in languages, in
// that order. Languages compare by canonical code so "de" matches "ger".
// When no stream matches any language the best stream overall is kept. With
// no languages every stream is kept.
func Select(streams []ffprobe.Stream, languages []string) Selection {
	tracks := candidates(streams)
	if len(tracks) == 0 {
		return Selection{}
	}
	if len(languages) == 0 {
		sel := Selection{}
		for _, t := range tracks {
			sel.Keep = append(sel.Keep, t.index)
		}
		return sel
	}

	var keep []int
	for _, lang := range languages {
		var matching []track
		for _, t := range tracks {
			if language.Matches(t.language, lang) && !slices.Contains(keep, t.index) {
				matching = append(matching, t)
			}
		}
		if best, ok := best(matching); ok {
			keep = append(keep, best.index)
		}
	}
	if len(keep) == 0 {
		if b, ok := best(tracks); ok {
			keep = append(keep, b.index)
		}
	}

	sel := Selection{Keep: keep}
	for _, t := range tracks {
		if !slices.Contains(keep, t.index) {
			sel.Removed = append(sel.Removed, t.index)
		}
	}
	return sel
}

// Describe summarizes a stream as "eng truehd 8ch".
func Describe(stream ffprobe.Stream) string {
	parts := make([]string, 0, 3)
	if lang := language.FromTags(stream.Tags); lang != "" {
		parts = append(parts, lang)
	}
	if stream.CodecName != "" {
		parts = append(parts, stream.CodecName)
	}
	if ch := channels(stream); ch > 0 {
		parts = append(parts, strconv.Itoa(ch)+"ch")
	}
	if len(parts) == 0 {
		return "audio"
	}
	return strings.Join(parts, " ")
}

type track struct {
	index    int
	order    int
	language string
	channels int
	lossless bool
	isDflt   bool
}

func candidates(streams []ffprobe.Stream) []track {
	var out []track
	for _, s := range streams {
		if !strings.EqualFold(s.CodecType, "audio") {
			continue
		}
		out = append(out, track{
			index:    s.Index,
			order:    len(out),
			language: language.FromTags(s.Tags),
			channels: channels(s),
			lossless: lossless(s),
			isDflt:   s.Disposition["default"] == 1,
		})
	}
	return out
}

func best(tracks []track) (track, bool) {
	if len(tracks) == 0 {
		return track{}, false
	}
	top := tracks[0]
	for _, t := range tracks[1:] {
		if score(t) > score(top) {
			top = t
		}
	}
	return top, true
}

// score orders tracks by channel count, then lossless source, then the
// default flag. Earlier tracks win ties.
func score(t track) int {
	s := t.channels * 100
	if t.lossless {
		s += 50
	}
	if t.isDflt {
		s += 10
	}
	return s*100 - t.order
}

var layoutChannels = map[string]int{
	"mono": 1, "stereo": 2, "2.1": 3, "quad": 4, "4.0": 4,
	"5.0": 5, "5.1": 6, "6.1": 7, "7.1": 8,
}

func channels(s ffprobe.Stream) int {
	if s.Channels > 0 {
		return s.Channels
	}
	layout := strings.ToLower(strings.TrimSpace(s.ChannelLayout))
	if i := strings.IndexByte(layout, '('); i > 0 {
		layout = layout[:i]
	}
	return layoutChannels[layout]
}

func lossless(s ffprobe.Stream) bool {
	name := strings.ToLower(s.CodecName)
	switch {
	case name == "truehd", name == "flac", name == "mlp", name == "alac":
		return true
	case strings.HasPrefix(name, "pcm_"):
		return true
	}
	long := strings.ToLower(s.CodecLong + " " + s.Profile)
	return strings.Contains(long, "lossless") || strings.Contains(long, "dts-hd ma") || strings.Contains(long, "master audio")
}
