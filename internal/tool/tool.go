// SPDX-License-Identifier: Apache-2.0

// Package tool exposes template parsing, section mapping and evidence
// resolution as MCP tools.
package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pvsafety/dsrmap/internal/config"
	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/evidence/parsers"
)

// Tools holds what the tool handlers share. Tools match lexically; vector
// matching is only available through batch runs.
type Tools struct {
	cfg      config.Config
	logger   *slog.Logger
	pipeline *evidence.Pipeline
}

func New(cfg config.Config, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{cfg: cfg, logger: logger, pipeline: parsers.DefaultPipeline()}
}

// NewServer returns an MCP server with every tool registered.
func NewServer(cfg config.Config, logger *slog.Logger, version string) *mcp.Server {
	t := New(cfg, logger)
	server := mcp.NewServer(&mcp.Implementation{Name: "dsrmap", Version: version}, nil)
	t.Register(server)
	return server
}

// Register adds the tools to server.
func (t *Tools) Register(server *mcp.Server) {
	mcp.AddTool(server, MetadataParseTemplate, t.ParseTemplate)
	mcp.AddTool(server, MetadataMapSections, t.MapSections)
	mcp.AddTool(server, MetadataResolveEvidence, t.ResolveEvidence)
}

// SourceDocument is an inline source passed to a tool.
type SourceDocument struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	ID      string `json:"id"`
}

var sourceDocumentSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"content"},
	"properties": map[string]interface{}{
		"content": map[string]interface{}{
			"type":        "string",
			"description": "Raw document content",
		},
		"format": map[string]interface{}{
			"type":        "string",
			"description": "Format hint. One of: markdown, text, yaml, json. If omitted, auto-detection is used.",
			"enum":        []string{"markdown", "text", "yaml", "json"},
		},
		"id": map[string]interface{}{
			"type":        "string",
			"description": "Optional identifier (file path, URL) used in citations.",
		},
	},
}

// load parses an inline source. A nil document yields no sections.
func (t *Tools) load(ctx context.Context, doc *SourceDocument, kind evidence.DocumentKind) ([]evidence.SourceSection, error) {
	if doc == nil || doc.Content == "" {
		return nil, nil
	}
	id := doc.ID
	if id == "" {
		id = "unknown"
	}
	sections, err := t.pipeline.Load(ctx, evidence.Document{
		Content: []byte(doc.Content),
		Format:  doc.Format,
		ID:      id,
		Kind:    kind,
	})
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", kind, err)
	}
	return sections, nil
}
