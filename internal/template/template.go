// SPDX-License-Identifier: Apache-2.0

// Package template parses regulatory templates into ordered template
// sections. Plain-text templates are split on numbered headings; docx
// templates may carry a mapping table that takes precedence over the
// heading structure.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

var (
	// headingRe matches "3.2 Risk factors" and "3.2. Risk factors". The title
	// must start with a letter so numbered body lines are not headings.
	headingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(\p{L}.*)$`)

	ruleRe   = regexp.MustCompile(`(?i)^(?:rules?|extract|keywords)\s*:\s*(.+)$`)
	sourceRe = regexp.MustCompile(`(?i)^sources?\s*:\s*(.+)$`)

	ignoreRe = regexp.MustCompile(`(?i)\bignore\b|previous\s+template\s+version|do\s+not\s+use`)
)

// ignoreWindow is how much of a section body is searched for IGNORE markers.
const ignoreWindow = 200

// Parser parses templates.
type Parser struct {
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		p.logger = logger
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseText parses a plain-text template with the default parser.
func ParseText(text string) ([]evidence.TemplateSection, error) {
	return New().ParseText(text)
}

// ParseDocx parses a docx template with the default parser.
func ParseDocx(content []byte) ([]evidence.TemplateSection, error) {
	return New().ParseDocx(content)
}

// ParseFile parses the template at path with the default parser.
func ParseFile(path string) ([]evidence.TemplateSection, error) {
	return New().ParseFile(path)
}

// ParseFile dispatches on the file extension: .docx is read as a Word
// document, anything else as plain text.
func (p *Parser) ParseFile(path string) ([]evidence.TemplateSection, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		return p.ParseDocx(content)
	}
	return p.ParseText(string(content))
}

// ParseText splits text on numbered headings. Text before the first heading
// is ignored. Section ids must strictly increase.
func (p *Parser) ParseText(text string) ([]evidence.TemplateSection, error) {
	return p.finish(splitSections(text), "text")
}

// section is a template section under construction.
type section struct {
	evidence.TemplateSection
	body []string
}

func splitSections(text string) []evidence.TemplateSection {
	var out []evidence.TemplateSection
	var cur *section

	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(cur.body, "\n"))
		out = append(out, cur.TemplateSection)
		cur = nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			cur = &section{TemplateSection: evidence.TemplateSection{
				ID:      m[1],
				Heading: strings.TrimSpace(m[2]),
			}}
			continue
		}
		if cur == nil {
			continue
		}
		if m := ruleRe.FindStringSubmatch(trimmed); m != nil {
			cur.Rules = append(cur.Rules, strings.TrimSpace(m[1]))
			continue
		}
		if m := sourceRe.FindStringSubmatch(trimmed); m != nil {
			cur.SourceRefs = append(cur.SourceRefs, evidence.SplitRefs(m[1])...)
			continue
		}
		cur.body = append(cur.body, line)
	}
	flush()
	return out
}

// finish applies the IGNORE cut-off, checks ordering and assigns order
// indexes.
func (p *Parser) finish(sections []evidence.TemplateSection, kind string) ([]evidence.TemplateSection, error) {
	if cut := ignoreFrom(sections); cut >= 0 {
		p.logger.Info("dropping template sections from IGNORE marker onwards",
			"section", sections[cut].ID, "dropped", len(sections)-cut)
		sections = sections[:cut]
	}
	if len(sections) == 0 {
		return nil, evidence.Structuralf("%s template has no numbered sections", kind)
	}
	for i := 1; i < len(sections); i++ {
		prev, cur := sections[i-1].ID, sections[i].ID
		if evidence.CompareIDs(prev, cur) >= 0 {
			return nil, evidence.Structuralf("section %q follows %q: section ids must increase", cur, prev)
		}
	}
	for i := range sections {
		sections[i].OrderIndex = i
	}
	p.logger.Debug("parsed template", "kind", kind, "sections", len(sections))
	return sections, nil
}

// ignoreFrom returns the index of the first section carrying an IGNORE
// marker, or -1.
func ignoreFrom(sections []evidence.TemplateSection) int {
	for i, s := range sections {
		body := s.Body
		if len(body) > ignoreWindow {
			body = body[:ignoreWindow]
		}
		if ignoreRe.MatchString(s.ID + " " + s.Heading + " " + body) {
			return i
		}
	}
	return -1
}
