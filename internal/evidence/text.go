// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"regexp"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "this": true, "that": true, "any": true, "all": true,
	"section": true, "include": true, "including": true,
}

// Normalize lowercases s, replaces punctuation with spaces and collapses
// whitespace, so "Safety-Profile:" and "safety profile" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// ContentWords returns the distinct non-stopword tokens of s in first-seen order.
func ContentWords(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(Normalize(s)) {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Overlap is |A∩B| / min(|A|,|B|) over the content words of a and b.
func Overlap(a, b string) float64 {
	wa, wb := ContentWords(a), ContentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := intersect(wa, wb)
	return float64(inter) / float64(min(len(wa), len(wb)))
}

// Similarity is |A∩B| / max(|A|,|B|) over the content words of a and b.
func Similarity(a, b string) float64 {
	wa, wb := ContentWords(a), ContentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := intersect(wa, wb)
	return float64(inter) / float64(max(len(wa), len(wb)))
}

func intersect(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, w := range b {
		set[w] = true
	}
	n := 0
	for _, w := range a {
		if set[w] {
			n++
		}
	}
	return n
}

// ContainsPhrase reports whether the normalized phrase occurs in the
// normalized text on word boundaries.
func ContainsPhrase(text, phrase string) bool {
	t, p := Normalize(text), Normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+t+" ", " "+p+" ")
}

// CollapseLines joins non-empty trimmed lines with single spaces.
func CollapseLines(text string) string {
	lines := strings.Split(text, "\n")
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

var (
	quotedRe  = regexp.MustCompile(`"([^"]+)"|“([^”]+)”`)
	termSepRe = regexp.MustCompile(`[,;]`)
)

// Keywords extracts match keywords from extraction rules: the quoted phrases
// when any rule quotes one, otherwise the comma or semicolon separated
// terms. Without rules the heading's content words are the keywords.
func Keywords(rules []string, heading string) []string {
	var quoted, terms []string
	for _, rule := range rules {
		for _, m := range quotedRe.FindAllStringSubmatch(rule, -1) {
			quoted = append(quoted, strings.TrimSpace(m[1]+m[2]))
		}
		for _, t := range termSepRe.Split(rule, -1) {
			if t = strings.TrimSpace(t); len(ContentWords(t)) > 0 {
				terms = append(terms, t)
			}
		}
	}
	switch {
	case len(quoted) > 0:
		return dedupe(quoted)
	case len(terms) > 0:
		return dedupe(terms)
	default:
		return ContentWords(heading)
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		key := Normalize(s)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// Coverage returns the keywords present in text and the fraction present.
// A keyword is present when it occurs as a phrase or when all of its content
// words occur.
func Coverage(keywords []string, text string) (matched []string, fraction float64) {
	if len(keywords) == 0 {
		return nil, 0
	}
	words := map[string]bool{}
	for _, w := range strings.Fields(Normalize(text)) {
		words[w] = true
	}
	for _, kw := range keywords {
		if ContainsPhrase(text, kw) || allPresent(ContentWords(kw), words) {
			matched = append(matched, kw)
		}
	}
	return matched, float64(len(matched)) / float64(len(keywords))
}

func allPresent(ws []string, set map[string]bool) bool {
	if len(ws) == 0 {
		return false
	}
	for _, w := range ws {
		if !set[w] {
			return false
		}
	}
	return true
}
