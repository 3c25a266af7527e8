package matcher

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/medapply/replyrelay/internal/models"
)

// MinKeywordLength is the shortest keyword, in runes, that counts as evidence.
const MinKeywordLength = 4

// fold lowercases s and strips diacritics so "Müller" and "Muller" compare equal.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ReplaceAll(out, "ß", "ss")
	return strings.ToLower(out)
}

// Keywords returns the folded keywords of an application: the job title,
// hospital name and original subject as whole phrases plus their individual
// words, keeping only entries of at least MinKeywordLength runes.
func Keywords(app models.Application) []string {
	var sources []string
	if app.JobTitle != nil {
		sources = append(sources, *app.JobTitle)
	}
	if app.HospitalName != nil {
		sources = append(sources, *app.HospitalName)
	}
	sources = append(sources, app.Subject)

	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if utf8.RuneCountInString(k) < MinKeywordLength {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	for _, src := range sources {
		words := strings.FieldsFunc(fold(src), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(words) > 1 {
			add(strings.Join(words, " "))
		}
		for _, w := range words {
			add(w)
		}
	}
	return out
}

// normalizeSubject folds the subject and collapses punctuation to single
// spaces so whole-phrase keywords match regardless of separators.
func normalizeSubject(subject string) string {
	words := strings.FieldsFunc(fold(subject), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
