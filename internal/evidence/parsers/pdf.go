// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// PDFParser extracts plain text from PDF documents and splits it on numbered
// section headings, recording the page span of each section. A PDF with no
// recognisable headings yields one section per page.
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

func (p *PDFParser) Name() string {
	return "pdf"
}

func (p *PDFParser) CanHandle(doc evidence.Document) bool {
	if strings.EqualFold(doc.Format, "pdf") {
		return true
	}
	return bytes.HasPrefix(doc.Content, []byte("%PDF"))
}

func (p *PDFParser) Parse(_ context.Context, doc evidence.Document) ([]evidence.SourceSection, error) {
	pages, err := pageTexts(doc.Content)
	if err != nil {
		return nil, err
	}

	var sections []evidence.SourceSection
	var current *evidence.SourceSection
	var body []string

	flush := func(lastPage int) {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(strings.Join(body, "\n"))
		current.Pages.End = lastPage
		sections = append(sections, *current)
		current, body = nil, nil
	}

	for i, text := range pages {
		pageNr := i + 1
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if m := titledHeadingRe.FindStringSubmatch(trimmed); m != nil {
				flush(pageNr)
				current = &evidence.SourceSection{
					ID:      m[1],
					Heading: strings.TrimSpace(m[2]),
					Pages:   evidence.PageSpan{Start: pageNr},
				}
				continue
			}
			if current != nil {
				body = append(body, line)
			}
		}
		if current != nil && i == len(pages)-1 {
			flush(pageNr)
		}
	}

	if len(sections) > 0 {
		return sections, nil
	}

	for i, text := range pages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		sections = append(sections, evidence.SourceSection{
			ID:      "page-" + strconv.Itoa(i+1),
			Heading: fmt.Sprintf("Page %d", i+1),
			Body:    strings.TrimSpace(text),
			Pages:   evidence.PageSpan{Start: i + 1, End: i + 1},
		})
	}
	return sections, nil
}

// pageTexts returns the plain text of every page; pages that fail to decode
// are returned empty.
func pageTexts(content []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	n := reader.NumPage()
	texts := make([]string, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts[i-1] = text
	}
	return texts, nil
}

// PageSpec assigns an inclusive 1-based page range to a section number.
type PageSpec struct {
	Section string
	Start   int
	End     int
}

var pageSpecRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\s*:\s*(\d+)\s*-\s*(\d+)$`)

// ParsePageSpec parses "5:1-20, 5.1:21-45" into PageSpecs.
func ParsePageSpec(spec string) ([]PageSpec, error) {
	var out []PageSpec
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := pageSpecRe.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid page spec %q: want section:start-end", part)
		}
		start, _ := strconv.Atoi(m[2])
		end, _ := strconv.Atoi(m[3])
		if start < 1 || end < start {
			return nil, fmt.Errorf("invalid page range %q", part)
		}
		out = append(out, PageSpec{Section: m[1], Start: start, End: end})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no page specifications in %q", spec)
	}
	return out, nil
}

// SlicePages builds one section per spec from the given PDF's page ranges.
// Ranges past the last page are truncated.
func SlicePages(content []byte, specs []PageSpec) ([]evidence.SourceSection, error) {
	pages, err := pageTexts(content)
	if err != nil {
		return nil, err
	}
	return sliceTexts(pages, specs), nil
}

func sliceTexts(pages []string, specs []PageSpec) []evidence.SourceSection {
	sections := make([]evidence.SourceSection, 0, len(specs))
	for _, s := range specs {
		end := min(s.End, len(pages))
		var parts []string
		for i := s.Start; i <= end; i++ {
			parts = append(parts, pages[i-1])
		}
		body := strings.TrimSpace(strings.Join(parts, "\n"))
		sections = append(sections, evidence.SourceSection{
			ID:      s.Section,
			Heading: firstLineHeading(body, s.Section),
			Body:    body,
			Pages:   evidence.PageSpan{Start: s.Start, End: end},
		})
	}
	return sections
}
