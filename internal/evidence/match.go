// SPDX-License-Identifier: Apache-2.0

package evidence

import "fmt"

// NotFound is the rendering of an unmatched template section in deliverables.
const NotFound = "NOT FOUND"

type MatchMethod string

const (
	MethodNone    MatchMethod = "none"
	MethodIndex   MatchMethod = "index"
	MethodHeading MatchMethod = "heading"
	MethodKeyword MatchMethod = "keyword"
	MethodVector  MatchMethod = "vector"
)

// MatchRecord is the mapping decision for one template section. An empty
// SourceID with MethodNone is the explicit unmatched state.
type MatchRecord struct {
	TemplateID      string      `json:"template_id"`
	TemplateHeading string      `json:"template_heading"`
	SourceID        string      `json:"source_id,omitempty"`
	SourceHeading   string      `json:"source_heading,omitempty"`
	Method          MatchMethod `json:"method"`
	Confidence      float64     `json:"confidence"`
	Rationale       string      `json:"rationale"`
}

func (r MatchRecord) Matched() bool {
	return r.SourceID != "" && r.Method != MethodNone
}

// SourceLabel returns the matched DSR id or NotFound.
func (r MatchRecord) SourceLabel() string {
	if !r.Matched() {
		return NotFound
	}
	return r.SourceID
}

// Unmatched builds the terminal record for a template section with no DSR
// counterpart.
func Unmatched(ts TemplateSection, rationale string) MatchRecord {
	return MatchRecord{
		TemplateID:      ts.ID,
		TemplateHeading: ts.Heading,
		Method:          MethodNone,
		Rationale:       rationale,
	}
}

// Passage is one piece of supporting evidence for a template section.
type Passage struct {
	Section  SourceSection `json:"section"`
	Score    float64       `json:"score"`
	Kind     DocumentKind  `json:"kind"`
	Citation string        `json:"citation"`
}

// ResolvedEvidence holds the ordered passages for a template section. An
// empty Passages slice means no source was found. UnresolvedRefs lists the
// template's explicit references that matched no loaded source.
type ResolvedEvidence struct {
	TemplateID     string    `json:"template_id"`
	Passages       []Passage `json:"passages"`
	UnresolvedRefs []string  `json:"unresolved_refs,omitempty"`
}

func (e ResolvedEvidence) Found() bool {
	return len(e.Passages) > 0
}

// Cite formats a citation for a source section, e.g. "IB §2.3 (pp. 12-14)".
func Cite(s SourceSection) string {
	c := fmt.Sprintf("%s §%s", s.Provenance.Kind, s.ID)
	if s.Provenance.Kind == KindLiterature {
		c = fmt.Sprintf("%s: %s", s.Provenance.Kind, s.ID)
	}
	if pages := s.Pages.String(); pages != "" {
		c += " (" + pages + ")"
	}
	return c
}
