// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/template"
)

// MetadataParseTemplate describes the parse_template tool.
var MetadataParseTemplate = &mcp.Tool{
	Name: "parse_template",
	Description: "Parse a regulatory report template into its ordered numbered sections. " +
		"Each section carries its heading, guidance body, extraction rules and the source " +
		"references (IB, PBRER, literature) the template names for it. " +
		"Text templates are passed as-is; docx templates are passed base64-encoded with format docx. " +
		"A template whose section numbers do not strictly increase is rejected.",
	InputSchema: map[string]interface{}{
		"type":     "object",
		"required": []string{"content"},
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Template text, or base64 of the .docx file when format is docx",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "Template format. Defaults to text.",
				"enum":        []string{"text", "docx"},
			},
			"scope": map[string]interface{}{
				"type":        "string",
				"description": "Optional section range such as 1-6 or 3.2. Empty or all selects every section.",
			},
		},
	},
}

// InputParseTemplate is the input for the ParseTemplate tool.
type InputParseTemplate struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	Scope   string `json:"scope"`
}

// OutputParseTemplate is the output for the ParseTemplate tool.
type OutputParseTemplate struct {
	// Sections are the in-scope template sections in template order.
	Sections []evidence.TemplateSection `json:"sections"`
	// Total is the number of sections in the whole template.
	Total int `json:"total"`
}

// parseTemplate decodes and parses a template, returning every section and
// the in-scope subset.
func (t *Tools) parseTemplate(content, format, scopeExpr string) (all, inScope []evidence.TemplateSection, scope template.Scope, err error) {
	if content == "" {
		return nil, nil, scope, fmt.Errorf("template content is required")
	}
	parser := template.New(template.WithLogger(t.logger))
	switch strings.ToLower(format) {
	case "", "text", "txt":
		all, err = parser.ParseText(content)
	case "docx":
		raw, decErr := base64.StdEncoding.DecodeString(content)
		if decErr != nil {
			return nil, nil, scope, fmt.Errorf("docx template must be base64-encoded: %w", decErr)
		}
		all, err = parser.ParseDocx(raw)
	default:
		return nil, nil, scope, fmt.Errorf("unsupported template format %q", format)
	}
	if err != nil {
		return nil, nil, scope, err
	}

	scope, err = template.ParseScope(scopeExpr)
	if err != nil {
		return nil, nil, scope, err
	}
	inScope, err = scope.Filter(all)
	if err != nil {
		return nil, nil, scope, err
	}
	return all, inScope, scope, nil
}

// ParseTemplate parses a template and returns its in-scope sections.
func (t *Tools) ParseTemplate(_ context.Context, _ *mcp.CallToolRequest, input InputParseTemplate) (*mcp.CallToolResult, OutputParseTemplate, error) {
	all, inScope, _, err := t.parseTemplate(input.Content, input.Format, input.Scope)
	if err != nil {
		return nil, OutputParseTemplate{}, err
	}
	return nil, OutputParseTemplate{Sections: inScope, Total: len(all)}, nil
}
