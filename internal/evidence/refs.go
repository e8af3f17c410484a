// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"regexp"
	"strings"
)

// SourceRef is a classified template evidence reference such as "IB 2.3".
type SourceRef struct {
	Raw     string
	Kind    DocumentKind
	Section string // dotted section number, empty when the ref names none
}

// refRule maps a reference pattern to a document kind.
type refRule struct {
	pattern  *regexp.Regexp
	keywords []string
	kind     DocumentKind
}

// sourceRefRules defines the reference classification table.
// Rules are evaluated in order; the first match wins.
var sourceRefRules = []refRule{
	{pattern: regexp.MustCompile(`(?i)^\s*IB\s*(?:Section\s*)?(\d+(?:\.\d+)*)?\s*$`), kind: KindIB},
	{pattern: regexp.MustCompile(`(?i)^\s*PBRER\s*(?:Section\s*)?(\d+(?:\.\d+)*)?\s*$`), kind: KindPBRER},
	{pattern: regexp.MustCompile(`(?i)^\s*PBRER\b`), kind: KindPBRER},
	{keywords: []string{"uptodate", "medline", "embase", "company safety database", "signal assessment", "literature"}, kind: KindLiterature},
}

// ClassifyRef classifies one reference string. ok is false for references
// no rule recognises.
func ClassifyRef(raw string) (ref SourceRef, ok bool) {
	lower := strings.ToLower(raw)
	for _, rule := range sourceRefRules {
		if rule.pattern != nil {
			m := rule.pattern.FindStringSubmatch(raw)
			if m == nil {
				continue
			}
			ref = SourceRef{Raw: strings.TrimSpace(raw), Kind: rule.kind}
			if len(m) > 1 {
				ref.Section = m[1]
			}
			return ref, true
		}
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return SourceRef{Raw: strings.TrimSpace(raw), Kind: rule.kind}, true
			}
		}
	}
	return SourceRef{Raw: strings.TrimSpace(raw)}, false
}

var refSplitRe = regexp.MustCompile(`(?i)\s+OR\s+|[;,]\s*`)

// SplitRefs splits a reference cell such as "IB 2.3 OR PBRER 5; Medline".
func SplitRefs(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []string
	for _, p := range refSplitRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
