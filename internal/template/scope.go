// SPDX-License-Identifier: Apache-2.0

package template

import (
	"fmt"
	"strings"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// Scope is a contiguous range of template sections, "1-6" or "3.2". The
// zero Scope selects everything.
type Scope struct {
	Start string
	End   string
}

// ParseScope parses a scope expression. "" and "all" select every section.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return Scope{}, nil
	}
	start, end, found := strings.Cut(s, "-")
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if !found {
		end = start
	}
	for _, id := range []string{start, end} {
		if !evidence.IsNumericID(id) {
			return Scope{}, fmt.Errorf("invalid scope %q: bounds must be section numbers like 1 or 3.2", s)
		}
	}
	if evidence.CompareIDs(start, end) > 0 {
		return Scope{}, fmt.Errorf("invalid scope %q: start is after end", s)
	}
	return Scope{Start: start, End: end}, nil
}

func (s Scope) All() bool {
	return s.Start == "" && s.End == ""
}

func (s Scope) String() string {
	switch {
	case s.All():
		return "all"
	case s.Start == s.End:
		return s.Start
	default:
		return s.Start + "-" + s.End
	}
}

// Filter returns the contiguous run of sections from the first one at or
// under Start to the last one at or under End. A bound that matches no
// section is an error.
func (s Scope) Filter(sections []evidence.TemplateSection) ([]evidence.TemplateSection, error) {
	if s.All() {
		return sections, nil
	}
	first, last := -1, -1
	for i, sec := range sections {
		if first < 0 && evidence.Covers(s.Start, sec.ID) {
			first = i
		}
		if evidence.Covers(s.End, sec.ID) {
			last = i
		}
	}
	if first < 0 {
		return nil, fmt.Errorf("scope %s: no template section %s", s, s.Start)
	}
	if last < 0 {
		return nil, fmt.Errorf("scope %s: no template section %s", s, s.End)
	}
	if last < first {
		return nil, fmt.Errorf("scope %s: section %s precedes %s in the template", s, s.End, s.Start)
	}
	return sections[first : last+1], nil
}
