// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"context"
	"fmt"
)

type Pipeline struct {
	parsers []SourceParser
}

// NewPipeline creates a new Pipeline with the provided parsers. Parser order
// matters: the first parser that can handle a document wins.
func NewPipeline(parsers ...SourceParser) *Pipeline {
	return &Pipeline{parsers: parsers}
}

// LoadResult is the output of a successful load.
type LoadResult struct {
	Sections   []SourceSection
	ParserUsed string
}

func (p *Pipeline) Load(ctx context.Context, doc Document) ([]SourceSection, error) {
	result, err := p.LoadWithMeta(ctx, doc)
	if err != nil {
		return nil, err
	}
	return result.Sections, nil
}

// LoadWithMeta parses doc and tags every section with the document's kind
// and locator. Any failure is an *InputFormatError.
func (p *Pipeline) LoadWithMeta(ctx context.Context, doc Document) (LoadResult, error) {
	parser, err := p.selectParser(doc)
	if err != nil {
		return LoadResult{}, &InputFormatError{Document: doc.ID, Err: err}
	}

	sections, err := parser.Parse(ctx, doc)
	if err != nil {
		return LoadResult{}, &InputFormatError{
			Document: doc.ID,
			Err:      fmt.Errorf("parser %q failed: %w", parser.Name(), err),
		}
	}

	for i := range sections {
		sections[i].Provenance.Kind = doc.Kind
		if sections[i].Provenance.Locator == "" {
			sections[i].Provenance.Locator = doc.ID
		}
	}
	return LoadResult{Sections: sections, ParserUsed: parser.Name()}, nil
}

// selectParser returns the first registered parser that can handle the given document.
func (p *Pipeline) selectParser(doc Document) (SourceParser, error) {
	for _, parser := range p.parsers {
		if parser.CanHandle(doc) {
			return parser, nil
		}
	}
	return nil, fmt.Errorf("unsupported source format: no parser found for document %q (format hint: %q)", doc.ID, doc.Format)
}

// RegisteredParsers returns the names of all currently registered parsers.
func (p *Pipeline) RegisteredParsers() []string {
	names := make([]string, len(p.parsers))
	for i, parser := range p.parsers {
		names[i] = parser.Name()
	}
	return names
}
