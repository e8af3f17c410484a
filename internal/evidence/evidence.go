// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"context"
	"fmt"
	"strings"
)

// DocumentKind tags where a piece of source text came from.
type DocumentKind int

const (
	KindDSR DocumentKind = iota
	KindIB
	KindPBRER
	KindLiterature
)

var kindNames = map[DocumentKind]string{
	KindDSR:        "DSR",
	KindIB:         "IB",
	KindPBRER:      "PBRER",
	KindLiterature: "Literature",
}

func (k DocumentKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DocumentKind(%d)", int(k))
}

// ParseDocumentKind accepts the kind names case-insensitively.
func ParseDocumentKind(s string) (DocumentKind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown document kind %q", s)
}

func (k DocumentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DocumentKind) UnmarshalText(b []byte) error {
	parsed, err := ParseDocumentKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PageSpan is an inclusive 1-based page range. Zero values mean unknown.
type PageSpan struct {
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
}

func (p PageSpan) String() string {
	switch {
	case p.Start == 0:
		return ""
	case p.End == 0 || p.End == p.Start:
		return fmt.Sprintf("p. %d", p.Start)
	default:
		return fmt.Sprintf("pp. %d-%d", p.Start, p.End)
	}
}

type Provenance struct {
	Kind    DocumentKind `json:"kind"`
	Locator string       `json:"locator"`
}

// SourceSection is one section of an extracted source document. Produced by
// the parsers and never mutated afterwards.
type SourceSection struct {
	ID         string     `json:"id"`
	Heading    string     `json:"heading"`
	Body       string     `json:"body"`
	Pages      PageSpan   `json:"pages"`
	Provenance Provenance `json:"provenance"`
}

// TemplateSection is one slot of the regulatory template.
type TemplateSection struct {
	ID         string   `json:"id"`
	Heading    string   `json:"heading"`
	Body       string   `json:"body,omitempty"`
	Rules      []string `json:"rules,omitempty"`
	SourceRefs []string `json:"source_refs,omitempty"`
	OrderIndex int      `json:"order_index"`
}

// Document describes the raw input to the source pipeline.
type Document struct {
	// Content is the raw document content.
	Content []byte
	Format  string
	ID      string
	Kind    DocumentKind
}

type SourceParser interface {
	CanHandle(doc Document) bool
	Parse(ctx context.Context, doc Document) ([]SourceSection, error)
	Name() string
}
