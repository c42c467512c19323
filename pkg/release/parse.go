package release

import (
	"regexp"
	"sort"
	"strings"

	"github.com/MunifTanjim/go-ptt"
)

// ResolutionLabels is the ordered set of recognized resolution labels,
// best first. QualityScore is the reverse rank within this list.
var ResolutionLabels = []string{
	"4320p", "2160p", "1440p", "1080p", "720p", "576p", "540p", "480p", "360p", "240p",
}

// resolutionAliases maps marketing names onto canonical labels.
var resolutionAliases = map[string]string{
	"8k":     "4320p",
	"4k":     "2160p",
	"uhd":    "2160p",
	"2k":     "1440p",
	"fullhd": "1080p",
	"fhd":    "1080p",
	"hd":     "720p",
	"sd":     "480p",
}

// ParsedTitle is the outcome of parsing a single release title.
type ParsedTitle struct {
	Resolution   string
	Languages    []string
	QualityLabel string
	QualityScore int
}

var numericResolution = regexp.MustCompile(`\b(4320|2160|1440|1080|720|576|540|480|360|240)[pi]\b`)

// ParseTitle extracts resolution, languages and the derived quality score
// from a release title. Pure function; no I/O.
func ParseTitle(title string) ParsedTitle {
	info := ptt.Parse(title)

	res := detectResolution(title, info)
	langs := detectLanguages(title, info)

	p := ParsedTitle{
		Resolution:   res,
		Languages:    langs,
		QualityLabel: res,
		QualityScore: QualityScore(res),
	}
	if info.Quality != "" {
		p.QualityLabel = res + " " + info.Quality
	}
	return p
}

// QualityScore returns the rank of the resolution label, higher is better.
// Unknown resolutions score 0.
func QualityScore(resolution string) int {
	for i, label := range ResolutionLabels {
		if label == resolution {
			return len(ResolutionLabels) - i
		}
	}
	return 0
}

// detectResolution resolves the label with precedence: ptt result, numeric
// pattern, then alias tokens. "unknown" when nothing matches.
func detectResolution(title string, info *ptt.Result) string {
	if info != nil && info.Resolution != "" {
		if label := canonicalResolution(info.Resolution); label != "unknown" {
			return label
		}
	}

	lower := strings.ToLower(title)
	if m := numericResolution.FindStringSubmatch(lower); m != nil {
		return m[1] + "p"
	}

	for _, tok := range tokenize(lower) {
		if label, ok := resolutionAliases[tok]; ok {
			return label
		}
	}
	return "unknown"
}

func canonicalResolution(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "i")
	if !strings.HasSuffix(s, "p") && s != "" {
		if label, ok := resolutionAliases[s]; ok {
			return label
		}
		s += "p"
	}
	for _, label := range ResolutionLabels {
		if s == label {
			return label
		}
	}
	if label, ok := resolutionAliases[strings.TrimSuffix(s, "p")]; ok {
		return label
	}
	return "unknown"
}

// languageLexicon maps each supported language to its synonym tokens.
// A title matches a language when any synonym appears as a whole word.
var languageLexicon = map[string][]string{
	"English":    {"english", "eng"},
	"German":     {"german", "deutsch", "ger"},
	"French":     {"french", "francais", "vf", "vff", "truefrench"},
	"Spanish":    {"spanish", "espanol", "castellano", "latino"},
	"Italian":    {"italian", "italiano", "ita"},
	"Portuguese": {"portuguese", "portugues", "brazilian"},
	"Dutch":      {"dutch", "flemish", "nl"},
	"Russian":    {"russian", "rus"},
	"Ukrainian":  {"ukrainian", "ukr"},
	"Polish":     {"polish", "polski", "lektor"},
	"Czech":      {"czech", "cz"},
	"Slovak":     {"slovak", "sk"},
	"Hungarian":  {"hungarian", "hun"},
	"Romanian":   {"romanian", "rom"},
	"Bulgarian":  {"bulgarian"},
	"Serbian":    {"serbian"},
	"Croatian":   {"croatian"},
	"Slovenian":  {"slovenian"},
	"Greek":      {"greek"},
	"Turkish":    {"turkish"},
	"Arabic":     {"arabic"},
	"Hebrew":     {"hebrew"},
	"Persian":    {"persian", "farsi"},
	"Hindi":      {"hindi", "hin"},
	"Tamil":      {"tamil", "tam"},
	"Telugu":     {"telugu", "tel"},
	"Malayalam":  {"malayalam", "mal"},
	"Kannada":    {"kannada", "kan"},
	"Bengali":    {"bengali"},
	"Marathi":    {"marathi"},
	"Punjabi":    {"punjabi"},
	"Urdu":       {"urdu"},
	"Chinese":    {"chinese", "mandarin", "cantonese", "chi"},
	"Japanese":   {"japanese", "jap", "jpn"},
	"Korean":     {"korean", "kor"},
	"Thai":       {"thai"},
	"Vietnamese": {"vietnamese"},
	"Indonesian": {"indonesian"},
	"Malay":      {"malay"},
	"Filipino":   {"filipino", "tagalog"},
	"Swedish":    {"swedish", "swe"},
	"Norwegian":  {"norwegian", "nor"},
	"Danish":     {"danish", "dan"},
	"Finnish":    {"finnish", "fin"},
	"Multi":      {"multi", "multilang", "dual"},
}

// detectLanguages merges lexicon whole-word matches with ptt's output.
func detectLanguages(title string, info *ptt.Result) []string {
	tokens := map[string]bool{}
	for _, tok := range tokenize(strings.ToLower(title)) {
		tokens[tok] = true
	}

	found := map[string]bool{}
	var out []string
	add := func(lang string) {
		if lang == "" || found[lang] {
			return
		}
		found[lang] = true
		out = append(out, lang)
	}

	for lang, synonyms := range languageLexicon {
		for _, syn := range synonyms {
			if tokens[syn] {
				add(lang)
				break
			}
		}
	}

	if info != nil {
		for _, lang := range info.Languages {
			// ptt emits lowercase names; normalize to the lexicon's casing
			add(titleCase(lang))
		}
	}

	sort.Strings(out)
	return out
}

// NormalizeTitle canonicalizes a release title for dedupe and matching:
// lowercase, dot/underscore/dash become spaces, quotes and bracket
// characters are stripped, remaining non-alphanumerics dropped, and
// whitespace runs collapsed.
func NormalizeTitle(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == '.' || r == '_' || r == '-' || r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// quotes, brackets, parens and everything else drop out
		}
	}
	return strings.TrimSpace(b.String())
}

// tokenize splits a lowercased title on any non-alphanumeric rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
