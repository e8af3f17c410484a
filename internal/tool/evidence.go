// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/resolve"
)

// MetadataResolveEvidence describes the resolve_evidence tool.
var MetadataResolveEvidence = &mcp.Tool{
	Name: "resolve_evidence",
	Description: "Find the passages in the Investigator's Brochure, the PBRER and literature summaries " +
		"that support one template section. Explicit source references are honoured first; other " +
		"passages are ranked by heading and keyword relevance, with IB preferred over PBRER over " +
		"literature when scores are close. Each passage carries a SOURCE TRACE citation. When nothing " +
		"is relevant enough the section is reported as SOURCE NOT FOUND.",
	InputSchema: map[string]interface{}{
		"type":     "object",
		"required": []string{"section"},
		"properties": map[string]interface{}{
			"section": map[string]interface{}{
				"type":        "object",
				"description": "The template section, as returned by parse_template",
				"required":    []string{"id", "heading"},
				"properties": map[string]interface{}{
					"id":          map[string]interface{}{"type": "string"},
					"heading":     map[string]interface{}{"type": "string"},
					"rules":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"source_refs": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			},
			"ib":         sourceDocumentSchema,
			"pbrer":      sourceDocumentSchema,
			"literature": sourceDocumentSchema,
		},
	},
}

// SectionInput is the subset of a template section resolution uses.
type SectionInput struct {
	ID         string   `json:"id"`
	Heading    string   `json:"heading"`
	Rules      []string `json:"rules"`
	SourceRefs []string `json:"source_refs"`
}

// InputResolveEvidence is the input for the ResolveEvidence tool.
type InputResolveEvidence struct {
	Section    SectionInput    `json:"section"`
	IB         *SourceDocument `json:"ib"`
	PBRER      *SourceDocument `json:"pbrer"`
	Literature *SourceDocument `json:"literature"`
}

// PassageOutput is one ranked passage.
type PassageOutput struct {
	Kind      string  `json:"kind"`
	SectionID string  `json:"section_id"`
	Heading   string  `json:"heading"`
	Score     float64 `json:"score"`
	Citation  string  `json:"citation"`
	Trace     string  `json:"trace"`
	Text      string  `json:"text"`
}

// OutputResolveEvidence is the output for the ResolveEvidence tool.
type OutputResolveEvidence struct {
	Found    bool            `json:"found"`
	Passages []PassageOutput `json:"passages"`
	// Markers are the placeholder lines to insert for missing evidence.
	Markers []string `json:"markers"`
}

// ResolveEvidence ranks the evidence passages for one template section.
func (t *Tools) ResolveEvidence(ctx context.Context, _ *mcp.CallToolRequest, input InputResolveEvidence) (*mcp.CallToolResult, OutputResolveEvidence, error) {
	if input.Section.ID == "" {
		return nil, OutputResolveEvidence{}, fmt.Errorf("section id is required")
	}
	ts := evidence.TemplateSection{
		ID:         input.Section.ID,
		Heading:    input.Section.Heading,
		Rules:      input.Section.Rules,
		SourceRefs: input.Section.SourceRefs,
	}

	var idx resolve.Indexes
	for _, src := range []struct {
		doc  *SourceDocument
		kind evidence.DocumentKind
		dst  **resolve.SourceIndex
	}{
		{input.IB, evidence.KindIB, &idx.IB},
		{input.PBRER, evidence.KindPBRER, &idx.PBRER},
		{input.Literature, evidence.KindLiterature, &idx.Literature},
	} {
		sections, err := t.load(ctx, src.doc, src.kind)
		if err != nil {
			return nil, OutputResolveEvidence{}, err
		}
		if len(sections) > 0 {
			*src.dst = resolve.NewSourceIndex(src.kind, sections, nil)
		}
	}

	ev := resolve.New(t.cfg.Resolver, t.logger).Resolve(ctx, ts, idx)
	out := OutputResolveEvidence{Found: ev.Found(), Passages: []PassageOutput{}, Markers: []string{}}
	for _, p := range ev.Passages {
		out.Passages = append(out.Passages, PassageOutput{
			Kind:      p.Kind.String(),
			SectionID: p.Section.ID,
			Heading:   p.Section.Heading,
			Score:     p.Score,
			Citation:  p.Citation,
			Trace:     resolve.TraceLine(p),
			Text:      p.Section.Body,
		})
	}
	if !ev.Found() {
		out.Markers = append(out.Markers, resolve.NotFoundLine(ts))
	}
	for _, ref := range ev.UnresolvedRefs {
		out.Markers = append(out.Markers, resolve.ManualInputLine(ref))
	}
	return nil, out, nil
}
