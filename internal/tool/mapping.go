// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/mapper"
)

// MetadataMapSections describes the map_sections tool.
var MetadataMapSections = &mcp.Tool{
	Name: "map_sections",
	Description: "Map the sections of a Drug Safety Report onto the sections of a regulatory template. " +
		"Every in-scope template section receives exactly one record: the DSR section chosen by " +
		"section number, heading similarity or keyword coverage, with the method, a confidence " +
		"in [0,1] and a rationale. Template sections with no counterpart are reported as NOT FOUND; " +
		"the tool never guesses.",
	InputSchema: map[string]interface{}{
		"type":     "object",
		"required": []string{"template", "dsr"},
		"properties": map[string]interface{}{
			"template": map[string]interface{}{
				"type":        "string",
				"description": "Template text, or base64 of the .docx file when template_format is docx",
			},
			"template_format": map[string]interface{}{
				"type":        "string",
				"description": "Template format. Defaults to text.",
				"enum":        []string{"text", "docx"},
			},
			"dsr":   sourceDocumentSchema,
			"scope": map[string]interface{}{"type": "string", "description": "Optional section range such as 1-6."},
		},
	},
}

// InputMapSections is the input for the MapSections tool.
type InputMapSections struct {
	Template       string          `json:"template"`
	TemplateFormat string          `json:"template_format"`
	DSR            *SourceDocument `json:"dsr"`
	Scope          string          `json:"scope"`
}

// OutputMapSections is the output for the MapSections tool.
type OutputMapSections struct {
	// Records holds one mapping decision per in-scope template section.
	Records []evidence.MatchRecord `json:"records"`
	// Matched is the number of template sections with a DSR counterpart.
	Matched int `json:"matched"`
	// DSRSections is the number of sections extracted from the DSR.
	DSRSections int `json:"dsr_sections"`
}

// MapSections maps an inline DSR onto an inline template.
func (t *Tools) MapSections(ctx context.Context, _ *mcp.CallToolRequest, input InputMapSections) (*mcp.CallToolResult, OutputMapSections, error) {
	if input.DSR == nil || input.DSR.Content == "" {
		return nil, OutputMapSections{}, fmt.Errorf("dsr content is required")
	}
	all, _, scope, err := t.parseTemplate(input.Template, input.TemplateFormat, input.Scope)
	if err != nil {
		return nil, OutputMapSections{}, err
	}
	dsr, err := t.load(ctx, input.DSR, evidence.KindDSR)
	if err != nil {
		return nil, OutputMapSections{}, err
	}

	res, err := mapper.New(t.cfg.Matching, mapper.WithLogger(t.logger)).Map(ctx, all, dsr, scope)
	if err != nil {
		return nil, OutputMapSections{}, err
	}
	out := OutputMapSections{Records: res.Records, DSRSections: len(dsr)}
	for _, r := range res.Records {
		if r.Matched() {
			out.Matched++
		}
	}
	return nil, out, nil
}
