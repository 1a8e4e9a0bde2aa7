package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxKeywords = 48

var strictPolicy = bluemonday.StrictPolicy()

// CleanInput strips markup and control characters from free-form customer input and
// collapses whitespace. The sanitiser escapes text, so entities are decoded again.
func CleanInput(value string) string {
	value = html.UnescapeString(strictPolicy.Sanitize(value))
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value)
	return strings.Join(strings.Fields(value), " ")
}

// Fold normalises value for case- and accent-insensitive comparison: NFKC width
// folding, diacritic removal and Unicode case folding.
func Fold(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC, cases.Fold())
	folded, _, err := transform.String(t, value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return strings.TrimSpace(folded)
}

// Keywords splits the folded values into the distinct search tokens stored on an
// order. Emails contribute the whole address, the local part and the domain.
func Keywords(values ...string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 16)
	add := func(token string) {
		if token == "" || len(out) >= maxKeywords {
			return
		}
		if _, ok := seen[token]; ok {
			return
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	for _, value := range values {
		folded := Fold(value)
		if local, domain, ok := strings.Cut(folded, "@"); ok && !strings.ContainsAny(folded, " \t") {
			add(folded)
			add(local)
			add(domain)
			continue
		}
		for _, word := range strings.FieldsFunc(folded, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			add(word)
		}
	}
	return out
}

// SearchToken turns an admin search query into the single token matched against
// stored keywords. Multi-word queries use their longest word.
func SearchToken(query string) string {
	folded := Fold(query)
	if folded == "" {
		return ""
	}
	if strings.Contains(folded, "@") && !strings.ContainsAny(folded, " \t") {
		return folded
	}
	var best string
	for _, word := range strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) > len(best) {
			best = word
		}
	}
	return best
}
