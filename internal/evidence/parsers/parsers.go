// SPDX-License-Identifier: Apache-2.0

// Package parsers holds the source document parsers used by the evidence
// pipeline.
package parsers

import "github.com/pvsafety/dsrmap/internal/evidence"

// DefaultPipeline builds a Pipeline with all default parsers registered.
// Parser order matters: PDF is detected by magic bytes, section indexes
// (yaml/json) are tried before the markdown fallback.
func DefaultPipeline() *evidence.Pipeline {
	return evidence.NewPipeline(
		NewPDFParser(),
		NewYAMLParser(),
		NewMarkdownParser(),
	)
}
