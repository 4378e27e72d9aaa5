package language

import "strings"

type entry struct {
	code2   string
	code3   []string
	display string
}

var languages = []entry{
	{"en", []string{"eng"}, "English"},
	{"es", []string{"spa"}, "Spanish"},
	{"fr", []string{"fra", "fre"}, "French"},
	{"de", []string{"deu", "ger"}, "German"},
	{"it", []string{"ita"}, "Italian"},
	{"pt", []string{"por"}, "Portuguese"},
	{"ja", []string{"jpn"}, "Japanese"},
	{"ko", []string{"kor"}, "Korean"},
	{"zh", []string{"zho", "chi"}, "Chinese"},
	{"ru", []string{"rus"}, "Russian"},
	{"ar", []string{"ara"}, "Arabic"},
	{"hi", []string{"hin"}, "Hindi"},
	{"nl", []string{"nld", "dut"}, "Dutch"},
	{"pl", []string{"pol"}, "Polish"},
	{"sv", []string{"swe"}, "Swedish"},
	{"da", []string{"dan"}, "Danish"},
	{"no", []string{"nor", "nob", "nno"}, "Norwegian"},
	{"fi", []string{"fin"}, "Finnish"},
	{"cs", []string{"ces", "cze"}, "Czech"},
	{"el", []string{"ell", "gre"}, "Greek"},
	{"he", []string{"heb"}, "Hebrew"},
	{"hu", []string{"hun"}, "Hungarian"},
	{"tr", []string{"tur"}, "Turkish"},
	{"th", []string{"tha"}, "Thai"},
}

var index = buildIndex()

func buildIndex() map[string]*entry {
	m := make(map[string]*entry, len(languages)*4)
	for i := range languages {
		e := &languages[i]
		m[e.code2] = e
		for _, c := range e.code3 {
			m[c] = e
		}
		m[strings.ToLower(e.display)] = e
	}
	return m
}

// primary strips region and script subtags: "en-US" and "pt_BR" become "en"
// and "pt".
func primary(code string) string {
	code = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(code, "\u0000", "")))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}

// Canonical returns the ISO 639-1 code for a recognized language, or the
// lowercased primary subtag when the language is unknown.
func Canonical(code string) string {
	code = primary(code)
	if e, ok := index[code]; ok {
		return e.code2
	}
	return code
}

// Matches reports whether two codes name the same language. Empty and
// undetermined codes never match.
func Matches(a, b string) bool {
	a, b = Canonical(a), Canonical(b)
	if a == "" || b == "" || a == "und" || b == "und" {
		return false
	}
	return a == b
}

// DisplayName returns the English name of a recognized code, the uppercased
// code otherwise, or "Unknown" when empty.
func DisplayName(code string) string {
	c := Canonical(code)
	if c == "" {
		return "Unknown"
	}
	if e, ok := index[c]; ok {
		return e.display
	}
	return strings.ToUpper(c)
}

// FromTags reads the language of a stream from its metadata tags.
func FromTags(tags map[string]string) string {
	for _, key := range []string{"language", "LANGUAGE", "Language", "language_ietf", "lang", "LANG"} {
		if v := strings.TrimSpace(strings.ReplaceAll(tags[key], "\u0000", "")); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}
