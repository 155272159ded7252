package memory

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxKeywords caps the keywords kept per text.
const DefaultMaxKeywords = 15

// wordRe finds ASCII letter runs. RE2's \b only knows ASCII word
// characters, so boundaries are checked by isWordBoundary instead.
var wordRe = regexp.MustCompile(`[a-zA-Z]{2,}`)

var stopwords = toSet(`a an the and or but is are was were be been being have has had do does did
will would could should may might must shall can to of in for on with at by from as into through
during before after above below between under again further then once here there when where why how
all each few more most other some such no nor not only own same so than too very just also now
this that these those i me my we our you your he him his she her it its they them their
what which who whom please thanks thank sorry help make want like know think take see come use find give tell`)

func toSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

// ExtractKeywords returns the retrieval keywords of text: lower-cased words
// that are not stopwords and longer than two letters, most frequent first
// (ties by first occurrence), deduplicated and capped at max. The result is
// a pure function of its input.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxKeywords
	}

	type entry struct {
		word  string
		count int
	}
	index := make(map[string]*entry)
	var order []*entry
	lower := strings.ToLower(text)
	for _, loc := range wordRe.FindAllStringIndex(lower, -1) {
		if !isWordBoundary(lower, loc[0], loc[1]) {
			continue
		}
		w := lower[loc[0]:loc[1]]
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if e, ok := index[w]; ok {
			e.count++
			continue
		}
		e := &entry{word: w, count: 1}
		index[w] = e
		order = append(order, e)
	}

	// Stable sort keeps first-occurrence order among equal counts.
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].count > order[j].count
	})

	if len(order) > max {
		order = order[:max]
	}
	out := make([]string, len(order))
	for i, e := range order {
		out[i] = e.word
	}
	return out
}

// isWordBoundary reports whether s[start:end] is not joined to a
// neighbouring word character in any script: "résumé" yields no "sum".
func isWordBoundary(s string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r)
}

// normalizeKeywords lower-cases and deduplicates stored keywords.
func normalizeKeywords(kws []string) map[string]struct{} {
	set := make(map[string]struct{}, len(kws))
	for _, k := range kws {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}
