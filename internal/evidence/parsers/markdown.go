// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// numberedHeadingRe matches "3.2 Risk Factors" and "3.2. Risk Factors".
var numberedHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(\S.*)$`)

// titledHeadingRe is stricter than numberedHeadingRe. Where headings are not
// marked up, body text is full of numbered sentences and list items
// ("3 patients discontinued."), so a heading must start with a capital, be
// short and contain no full stop.
var titledHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+([A-Z][^.]{2,120})$`)

// MarkdownParser parses Markdown or plain-text reports into SourceSections.
// It splits the document on headings: '#' lines when the document has any,
// numbered heading lines otherwise. A numeric prefix on the heading becomes
// the section id.
type MarkdownParser struct{}

// NewMarkdownParser creates a new MarkdownParser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

func (p *MarkdownParser) Name() string {
	return "markdown"
}

// CanHandle returns true for sources that use a markdown or text format hint,
// or whose content begins with a Markdown heading or contains numbered headings.
func (p *MarkdownParser) CanHandle(doc evidence.Document) bool {
	switch strings.ToLower(doc.Format) {
	case "markdown", "md", "txt", "text":
		return true
	}
	content := strings.TrimSpace(string(doc.Content))
	if strings.HasPrefix(content, "#") || strings.Contains(content, "\n#") {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		if numberedHeadingRe.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func (p *MarkdownParser) Parse(_ context.Context, doc evidence.Document) ([]evidence.SourceSection, error) {
	lines := strings.Split(strings.ReplaceAll(string(doc.Content), "\r\n", "\n"), "\n")
	hashHeadings := hasHashHeading(lines)

	var sections []evidence.SourceSection
	var current *evidence.SourceSection
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = nil
		if current == nil {
			if text == "" {
				return
			}
			current = &evidence.SourceSection{ID: "preamble", Heading: "preamble"}
		}
		current.Body = text
		sections = append(sections, *current)
		current = nil
	}

	for _, line := range lines {
		heading, ok := headingText(line, hashHeadings)
		if !ok {
			body = append(body, line)
			continue
		}
		flush()
		id, title := splitHeading(heading)
		if id == "" {
			id = fmt.Sprintf("s%d", len(sections)+1)
		}
		current = &evidence.SourceSection{ID: id, Heading: title}
	}
	flush()

	return sections, nil
}

func hasHashHeading(lines []string) bool {
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

func headingText(line string, hashHeadings bool) (string, bool) {
	if hashHeadings {
		if !strings.HasPrefix(line, "#") {
			return "", false
		}
		return strings.TrimSpace(strings.TrimLeft(line, "#")), true
	}
	trimmed := strings.TrimSpace(line)
	if titledHeadingRe.MatchString(trimmed) {
		return trimmed, true
	}
	return "", false
}

// splitHeading separates a leading section number from the heading title.
func splitHeading(heading string) (id, title string) {
	m := numberedHeadingRe.FindStringSubmatch(heading)
	if m == nil {
		return "", heading
	}
	return m[1], strings.TrimSpace(m[2])
}
