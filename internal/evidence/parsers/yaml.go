// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// YAMLParser parses section indexes (YAML or JSON objects mapping a section
// id to its text) into SourceSections, preserving key order. This is the
// shape of pre-built IB and PBRER indexes and of literature summaries, where
// the key is the source name.
//
// A value may also be a mapping with heading, body (or text) and pages keys.
type YAMLParser struct{}

func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

func (p *YAMLParser) Name() string {
	return "yaml"
}

func (p *YAMLParser) CanHandle(doc evidence.Document) bool {
	switch strings.ToLower(doc.Format) {
	case "yaml", "yml", "json":
		return true
	}
	// An explicit hint for another format is authoritative.
	if doc.Format != "" {
		return false
	}
	content := strings.TrimSpace(string(doc.Content))
	// JSON object
	if strings.HasPrefix(content, "{") {
		return true
	}
	// Plain YAML: key: value at the start
	if len(content) > 0 && strings.Contains(strings.SplitN(content, "\n", 2)[0], ":") {
		// Avoid stealing from Markdown parsers
		if !strings.HasPrefix(content, "#") && !numberedHeadingRe.MatchString(strings.SplitN(content, "\n", 2)[0]) {
			return true
		}
	}
	return false
}

func (p *YAMLParser) Parse(_ context.Context, doc evidence.Document) ([]evidence.SourceSection, error) {
	var index yaml.MapSlice
	if err := yaml.Unmarshal(doc.Content, &index); err != nil {
		return nil, fmt.Errorf("failed to unmarshal section index: %w", err)
	}

	sections := make([]evidence.SourceSection, 0, len(index))
	for _, item := range index {
		id := strings.TrimSpace(fmt.Sprintf("%v", item.Key))
		if id == "" {
			continue
		}
		sec, err := sectionFromValue(id, item.Value, doc.Kind)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", id, err)
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

func sectionFromValue(id string, value any, kind evidence.DocumentKind) (evidence.SourceSection, error) {
	sec := evidence.SourceSection{ID: id}
	switch v := value.(type) {
	case string:
		sec.Body = strings.TrimSpace(v)
	case nil:
	case map[string]any:
		fillFromMap(&sec, v)
	case yaml.MapSlice:
		m := make(map[string]any, len(v))
		for _, item := range v {
			m[fmt.Sprintf("%v", item.Key)] = item.Value
		}
		fillFromMap(&sec, m)
	default:
		rendered, err := yaml.Marshal(v)
		if err != nil {
			return sec, err
		}
		sec.Body = strings.TrimSpace(string(rendered))
	}

	if sec.Heading == "" {
		if kind == evidence.KindLiterature {
			sec.Heading = id
		} else {
			sec.Heading = firstLineHeading(sec.Body, id)
		}
	}
	return sec, nil
}

func fillFromMap(sec *evidence.SourceSection, m map[string]any) {
	str := func(key string) string {
		if v, ok := m[key]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprintf("%v", v))
		}
		return ""
	}
	sec.Heading = str("heading")
	sec.Body = str("body")
	if sec.Body == "" {
		sec.Body = str("text")
	}
	if pages := str("pages"); pages != "" {
		var start, end int
		if n, _ := fmt.Sscanf(pages, "%d-%d", &start, &end); n >= 1 {
			sec.Pages = evidence.PageSpan{Start: start, End: end}
		}
	}
}

// firstLineHeading uses the first line of body as a heading when it restates
// the section number, e.g. "5.1 Cumulative exposure".
func firstLineHeading(body, id string) string {
	first, _, _ := strings.Cut(body, "\n")
	first = strings.TrimSpace(strings.TrimLeft(first, "#"))
	if gotID, title := splitHeading(first); gotID == id && title != "" {
		return title
	}
	return ""
}
