// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvsafety/dsrmap/internal/config"
	"github.com/pvsafety/dsrmap/internal/evidence"
)

const templateText = `Signal assessment template
1 Introduction
Rule: "indication"
2 Exposure
Sources: PBRER 5
3 Hepatic safety
Sources: IB 2.3, Sponsor letter
`

func newTools() *Tools {
	return New(config.Default(), nil)
}

func docxBase64(t *testing.T, paragraphs ...string) string {
	t.Helper()
	var body string
	for _, p := range paragraphs {
		body += `<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func sectionIDs(sections []evidence.TemplateSection) []string {
	out := make([]string, len(sections))
	for i, s := range sections {
		out[i] = s.ID
	}
	return out
}

func TestParseTemplate(t *testing.T) {
	ctx := context.Background()
	req := &mcp.CallToolRequest{}

	tests := []struct {
		name           string
		input          InputParseTemplate
		wantErr        bool
		errContains    string
		validateOutput func(t *testing.T, output OutputParseTemplate)
	}{
		{
			name:        "empty content returns error",
			input:       InputParseTemplate{Content: ""},
			wantErr:     true,
			errContains: "template content is required",
		},
		{
			name:  "text template yields ordered sections",
			input: InputParseTemplate{Content: templateText},
			validateOutput: func(t *testing.T, output OutputParseTemplate) {
				assert.Equal(t, []string{"1", "2", "3"}, sectionIDs(output.Sections))
				assert.Equal(t, 3, output.Total)
				assert.Equal(t, []string{"PBRER 5"}, output.Sections[1].SourceRefs)
			},
		},
		{
			name:  "scope narrows the sections but not the total",
			input: InputParseTemplate{Content: templateText, Scope: "2-3"},
			validateOutput: func(t *testing.T, output OutputParseTemplate) {
				assert.Equal(t, []string{"2", "3"}, sectionIDs(output.Sections))
				assert.Equal(t, 3, output.Total)
			},
		},
		{
			name:  "docx template is base64 decoded",
			input: InputParseTemplate{Content: docxBase64(t, "1 Introduction", "2 Exposure"), Format: "docx"},
			validateOutput: func(t *testing.T, output OutputParseTemplate) {
				assert.Equal(t, []string{"1", "2"}, sectionIDs(output.Sections))
			},
		},
		{
			name:        "docx content that is not base64 returns error",
			input:       InputParseTemplate{Content: "not base64!", Format: "docx"},
			wantErr:     true,
			errContains: "base64",
		},
		{
			name:        "unsupported format returns error",
			input:       InputParseTemplate{Content: templateText, Format: "pdf"},
			wantErr:     true,
			errContains: "unsupported template format",
		},
		{
			name:    "decreasing section numbers are rejected",
			input:   InputParseTemplate{Content: "2 Exposure\n1 Introduction\n"},
			wantErr: true,
		},
		{
			name:        "scope outside the template returns error",
			input:       InputParseTemplate{Content: templateText, Scope: "7"},
			wantErr:     true,
			errContains: "no template section 7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, output, err := newTools().ParseTemplate(ctx, req, tt.input)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			if tt.validateOutput != nil {
				tt.validateOutput(t, output)
			}
		})
	}
}

func TestMapSections(t *testing.T) {
	ctx := context.Background()
	req := &mcp.CallToolRequest{}

	tests := []struct {
		name           string
		input          InputMapSections
		wantErr        bool
		errContains    string
		validateOutput func(t *testing.T, output OutputMapSections)
	}{
		{
			name:        "missing dsr returns error",
			input:       InputMapSections{Template: templateText},
			wantErr:     true,
			errContains: "dsr content is required",
		},
		{
			name: "markdown dsr maps by section number",
			input: InputMapSections{
				Template: templateText,
				DSR: &SourceDocument{
					Content: "# 1 Introduction\nIndicated for adults.\n\n# 3 Hepatic safety\nLiver enzyme elevations.",
					Format:  "markdown",
					ID:      "dsr.md",
				},
			},
			validateOutput: func(t *testing.T, output OutputMapSections) {
				require.Len(t, output.Records, 3)
				assert.Equal(t, 2, output.Matched)
				assert.Equal(t, 2, output.DSRSections)
				assert.Equal(t, evidence.MethodIndex, output.Records[0].Method)
				assert.Equal(t, evidence.NotFound, output.Records[1].SourceLabel())
			},
		},
		{
			name: "scope limits the records",
			input: InputMapSections{
				Template: templateText,
				Scope:    "3",
				DSR:      &SourceDocument{Content: "# Hepatic safety\nLiver enzyme elevations."},
			},
			validateOutput: func(t *testing.T, output OutputMapSections) {
				require.Len(t, output.Records, 1)
				assert.Equal(t, evidence.MethodHeading, output.Records[0].Method)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, output, err := newTools().MapSections(ctx, req, tt.input)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			if tt.validateOutput != nil {
				tt.validateOutput(t, output)
			}
		})
	}
}

func TestResolveEvidence(t *testing.T) {
	ctx := context.Background()
	req := &mcp.CallToolRequest{}
	ib := &SourceDocument{
		Content: "\"2.3\":\n  heading: Hepatic safety\n  body: Liver enzyme elevations in 3% of patients.\n  pages: 12-14\n",
		Format:  "yaml",
		ID:      "ib.yaml",
	}

	tests := []struct {
		name           string
		input          InputResolveEvidence
		wantErr        bool
		validateOutput func(t *testing.T, output OutputResolveEvidence)
	}{
		{
			name:    "section id is required",
			input:   InputResolveEvidence{Section: SectionInput{Heading: "Hepatic safety"}},
			wantErr: true,
		},
		{
			name: "explicit reference resolves with a trace",
			input: InputResolveEvidence{
				Section: SectionInput{ID: "3", Heading: "Hepatic safety", SourceRefs: []string{"IB 2.3", "Sponsor letter"}},
				IB:      ib,
			},
			validateOutput: func(t *testing.T, output OutputResolveEvidence) {
				require.True(t, output.Found)
				require.Len(t, output.Passages, 1)
				assert.Equal(t, "IB", output.Passages[0].Kind)
				assert.Equal(t, "SOURCE TRACE: IB §2.3 (pp. 12-14) [score 1.00]", output.Passages[0].Trace)
				assert.Equal(t, []string{"[MANUAL INPUT REQUIRED: Sponsor letter]"}, output.Markers)
			},
		},
		{
			name: "irrelevant sources are not found",
			input: InputResolveEvidence{
				Section: SectionInput{ID: "7", Heading: "Paediatric formulation"},
				IB:      ib,
			},
			validateOutput: func(t *testing.T, output OutputResolveEvidence) {
				assert.False(t, output.Found)
				assert.Empty(t, output.Passages)
				assert.Equal(t, []string{"[SOURCE NOT FOUND: 7 Paediatric formulation]"}, output.Markers)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, output, err := newTools().ResolveEvidence(ctx, req, tt.input)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.validateOutput != nil {
				tt.validateOutput(t, output)
			}
		})
	}
}
