// SPDX-License-Identifier: Apache-2.0

// Package resolve finds the evidence passages that support a template
// section in the IB, the PBRER and the literature summaries.
package resolve

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/vectorindex"
)

// kindPolicy is the fixed per-kind precedence rank and score weight.
type kindPolicy struct {
	rank   int
	weight float64
}

var kindPolicies = map[evidence.DocumentKind]kindPolicy{
	evidence.KindIB:         {rank: 0, weight: 1.0},
	evidence.KindPBRER:      {rank: 1, weight: 0.95},
	evidence.KindLiterature: {rank: 2, weight: 0.9},
}

func policy(k evidence.DocumentKind) kindPolicy {
	if p, ok := kindPolicies[k]; ok {
		return p
	}
	return kindPolicy{rank: len(kindPolicies), weight: 0}
}

// SourceIndex is the candidate pool for one evidence kind, with an optional
// vector index over its section chunks.
type SourceIndex struct {
	Kind     evidence.DocumentKind
	Sections []evidence.SourceSection
	vectors  *vectorindex.Index
}

// NewSourceIndex tags every section with kind. vectors may be nil.
func NewSourceIndex(kind evidence.DocumentKind, sections []evidence.SourceSection, vectors *vectorindex.Index) *SourceIndex {
	tagged := make([]evidence.SourceSection, len(sections))
	for i, s := range sections {
		s.Provenance.Kind = kind
		tagged[i] = s
	}
	return &SourceIndex{Kind: kind, Sections: tagged, vectors: vectors}
}

// Indexes groups the source indexes. Any of them may be nil.
type Indexes struct {
	IB         *SourceIndex
	PBRER      *SourceIndex
	Literature *SourceIndex
}

func (ix Indexes) all() []*SourceIndex {
	var out []*SourceIndex
	for _, s := range []*SourceIndex{ix.IB, ix.PBRER, ix.Literature} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (ix Indexes) byKind(k evidence.DocumentKind) *SourceIndex {
	switch k {
	case evidence.KindIB:
		return ix.IB
	case evidence.KindPBRER:
		return ix.PBRER
	case evidence.KindLiterature:
		return ix.Literature
	}
	return nil
}

// Options tunes scoring. Weights are fixed; the thresholds are run-tunable.
type Options struct {
	// TopN is the maximum number of passages returned per template section.
	TopN int `yaml:"top_n" json:"top_n"`

	// Epsilon is the score difference under which kind precedence decides.
	Epsilon float64 `yaml:"epsilon" json:"epsilon"`

	// MinRelevance is the floor below which candidates are dropped.
	MinRelevance float64 `yaml:"min_relevance" json:"min_relevance"`
}

func DefaultOptions() Options {
	return Options{TopN: 3, Epsilon: 0.05, MinRelevance: 0.35}
}

const (
	headingWeight = 0.7
	rulesWeight   = 0.3
	lexicalShare  = 0.6
	vectorShare   = 0.4
)

// Resolver ranks evidence passages.
type Resolver struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Resolver {
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{opts: opts, logger: logger}
}

type candidate struct {
	section evidence.SourceSection
	kind    evidence.DocumentKind
	score   float64
	order   int
}

func candidateKey(s evidence.SourceSection) string {
	return s.Provenance.Kind.String() + "\x00" + s.ID
}

// Resolve returns the ranked passages for ts. It never guesses: when no
// candidate reaches MinRelevance the evidence is empty.
func (r *Resolver) Resolve(ctx context.Context, ts evidence.TemplateSection, idx Indexes) evidence.ResolvedEvidence {
	result := evidence.ResolvedEvidence{TemplateID: ts.ID}
	cands := map[string]*candidate{}
	order := 0

	offer := func(s evidence.SourceSection, score float64) {
		key := candidateKey(s)
		if c, ok := cands[key]; ok {
			c.score = max(c.score, score)
			return
		}
		cands[key] = &candidate{section: s, kind: s.Provenance.Kind, score: score, order: order}
		order++
	}

	// Explicit references are authoritative.
	for _, raw := range ts.SourceRefs {
		ref, ok := evidence.ClassifyRef(raw)
		if !ok {
			result.UnresolvedRefs = append(result.UnresolvedRefs, raw)
			continue
		}
		hits := explicitHits(ref, idx.byKind(ref.Kind))
		if len(hits) == 0 && (ref.Section != "" || ref.Kind == evidence.KindLiterature) {
			result.UnresolvedRefs = append(result.UnresolvedRefs, raw)
		}
		for _, s := range hits {
			offer(s, 1.0)
		}
	}

	// Lexical and vector scoring over every section of every kind.
	keywords := evidence.Keywords(ts.Rules, ts.Heading)
	query := strings.TrimSpace(ts.Heading + "\n" + strings.Join(ts.Rules, "\n"))
	for _, si := range idx.all() {
		var vecScores map[string]float64
		if si.vectors != nil && si.vectors.Len() > 0 {
			vecScores = si.vectors.Scores(ctx, query)
		}
		weight := policy(si.Kind).weight
		for _, s := range si.Sections {
			heading := evidence.Overlap(ts.Heading, s.Heading)
			_, rules := evidence.Coverage(keywords, s.Heading+"\n"+s.Body)
			lexical := headingWeight*heading + rulesWeight*rules

			score := lexical
			if len(vecScores) > 0 {
				vec := vecScores[s.ID]
				if lexical <= 0 && vec < r.opts.MinRelevance {
					continue
				}
				score = lexicalShare*lexical + vectorShare*vec
			} else if lexical <= 0 {
				continue
			}
			offer(s, score*weight)
		}
	}

	ranked := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.score >= r.opts.MinRelevance {
			ranked = append(ranked, c)
		}
	}
	r.order(ranked)
	if len(ranked) > r.opts.TopN {
		ranked = ranked[:r.opts.TopN]
	}

	for _, c := range ranked {
		result.Passages = append(result.Passages, evidence.Passage{
			Section:  c.section,
			Score:    c.score,
			Kind:     c.kind,
			Citation: evidence.Cite(c.section),
		})
	}
	r.logger.Debug("resolved evidence", "template_id", ts.ID,
		"candidates", len(cands), "passages", len(result.Passages), "unresolved_refs", len(result.UnresolvedRefs))
	return result
}

// order sorts by score, then reorders each run of scores within Epsilon of
// its leader by kind precedence.
func (r *Resolver) order(cs []*candidate) {
	slices.SortStableFunc(cs, func(a, b *candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(policy(a.kind).rank, policy(b.kind).rank); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	for start := 0; start < len(cs); {
		end := start + 1
		for end < len(cs) && cs[start].score-cs[end].score < r.opts.Epsilon {
			end++
		}
		slices.SortStableFunc(cs[start:end], func(a, b *candidate) int {
			return cmp.Compare(policy(a.kind).rank, policy(b.kind).rank)
		})
		start = end
	}
}

// explicitHits finds the sections an explicit reference names: the exact
// section id or, failing that, its first subsection; for literature, the
// entries whose name occurs in the reference or vice versa.
func explicitHits(ref evidence.SourceRef, si *SourceIndex) []evidence.SourceSection {
	if si == nil {
		return nil
	}
	if ref.Kind == evidence.KindLiterature {
		want := evidence.Normalize(ref.Raw)
		var hits []evidence.SourceSection
		for _, s := range si.Sections {
			name := evidence.Normalize(s.ID)
			if name == "" {
				continue
			}
			if strings.Contains(" "+want+" ", " "+name+" ") || strings.Contains(" "+name+" ", " "+want+" ") {
				hits = append(hits, s)
			}
		}
		return hits
	}
	if ref.Section == "" {
		return nil
	}
	for _, s := range si.Sections {
		if s.ID == ref.Section {
			return []evidence.SourceSection{s}
		}
	}
	for _, s := range si.Sections {
		if evidence.IsDescendant(s.ID, ref.Section) {
			return []evidence.SourceSection{s}
		}
	}
	return nil
}

// TraceLine renders the audit annotation for a passage.
func TraceLine(p evidence.Passage) string {
	return fmt.Sprintf("SOURCE TRACE: %s [score %.2f]", p.Citation, p.Score)
}

// NotFoundLine renders the explicit marker for a section without evidence.
func NotFoundLine(ts evidence.TemplateSection) string {
	return fmt.Sprintf("[SOURCE NOT FOUND: %s %s]", ts.ID, ts.Heading)
}

// ManualInputLine renders the marker for an explicit reference that no
// loaded source could satisfy.
func ManualInputLine(ref string) string {
	return fmt.Sprintf("[MANUAL INPUT REQUIRED: %s]", ref)
}
