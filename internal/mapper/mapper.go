// SPDX-License-Identifier: Apache-2.0

// Package mapper assigns DSR sections to template sections. Every in-scope
// template section gets exactly one record: the first of the index, heading,
// keyword and vector passes to accept a DSR section wins, otherwise the
// section is recorded as unmatched.
package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pvsafety/dsrmap/internal/chunk"
	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/template"
	"github.com/pvsafety/dsrmap/internal/vectorindex"
)

// UnmatchedRationale is recorded for template sections no pass accepted.
const UnmatchedRationale = "no corresponding DSR content"

// Options holds the per-pass acceptance thresholds.
type Options struct {
	HeadingThreshold float64 `yaml:"heading_threshold" json:"heading_threshold"`
	KeywordThreshold float64 `yaml:"keyword_threshold" json:"keyword_threshold"`
	VectorThreshold  float64 `yaml:"vector_threshold" json:"vector_threshold"`
}

func DefaultOptions() Options {
	return Options{
		HeadingThreshold: 0.8,
		KeywordThreshold: 0.5,
		VectorThreshold:  0.75,
	}
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mapper) {
		m.logger = logger
	}
}

// WithVectors enables the vector pass. DSR sections are chunked with c and
// embedded through svc.
func WithVectors(svc *vectorindex.Service, c *chunk.Chunker) Option {
	return func(m *Mapper) {
		m.vectors = svc
		m.chunker = c
	}
}

// Mapper runs the matching passes.
type Mapper struct {
	opts    Options
	vectors *vectorindex.Service
	chunker *chunk.Chunker
	logger  *slog.Logger
}

func New(opts Options, options ...Option) *Mapper {
	m := &Mapper{opts: opts, logger: slog.Default()}
	for _, o := range options {
		o(m)
	}
	return m
}

// Result is the outcome of one Map call.
type Result struct {
	Records        []evidence.MatchRecord `json:"records"`
	Mode           vectorindex.Mode       `json:"vector_mode"`
	DegradedReason string                 `json:"degraded_reason,omitempty"`
}

// Degraded reports whether the vector pass fell back to keyword-only.
func (r Result) Degraded() bool {
	return r.Mode == vectorindex.ModeDegraded
}

// CountByMethod tallies records per match method.
func (r Result) CountByMethod() map[evidence.MatchMethod]int {
	counts := map[evidence.MatchMethod]int{}
	for _, rec := range r.Records {
		counts[rec.Method]++
	}
	return counts
}

// pass proposes a match for one template section.
type pass func(ctx context.Context, ts evidence.TemplateSection, dsr []evidence.SourceSection) (evidence.MatchRecord, bool)

// mapRun holds the state of one Map call: the lazily built DSR vector index.
type mapRun struct {
	*Mapper
	index *vectorindex.Index
}

// Map returns one record per template section inside scope, in template
// order. The only error is an invalid scope.
func (m *Mapper) Map(ctx context.Context, templates []evidence.TemplateSection, dsr []evidence.SourceSection, scope template.Scope) (Result, error) {
	inScope, err := scope.Filter(templates)
	if err != nil {
		return Result{}, fmt.Errorf("apply scope: %w", err)
	}

	run := &mapRun{Mapper: m}
	passes := []pass{run.indexPass, run.headingPass, run.keywordPass, run.vectorPass}

	records := make([]evidence.MatchRecord, 0, len(inScope))
	for _, ts := range inScope {
		rec := evidence.Unmatched(ts, UnmatchedRationale)
		for _, p := range passes {
			if r, ok := p(ctx, ts, dsr); ok {
				rec = r
				break
			}
		}
		m.logger.Debug("mapped template section",
			"template_id", ts.ID, "dsr_id", rec.SourceLabel(), "method", rec.Method, "confidence", rec.Confidence)
		records = append(records, rec)
	}

	res := Result{Records: records, Mode: vectorindex.ModeDisabled}
	if m.vectors != nil {
		res.Mode = m.vectors.Mode()
		res.DegradedReason = m.vectors.DegradedReason()
	}
	return res, nil
}

func matched(ts evidence.TemplateSection, d evidence.SourceSection, method evidence.MatchMethod, confidence float64, rationale string) evidence.MatchRecord {
	return evidence.MatchRecord{
		TemplateID:      ts.ID,
		TemplateHeading: ts.Heading,
		SourceID:        d.ID,
		SourceHeading:   d.Heading,
		Method:          method,
		Confidence:      min(max(confidence, 0), 1),
		Rationale:       rationale,
	}
}

// indexPass matches on section numbering: the same id, else the first DSR
// subsection of the template id, else the deepest DSR section containing it.
func (r *mapRun) indexPass(_ context.Context, ts evidence.TemplateSection, dsr []evidence.SourceSection) (evidence.MatchRecord, bool) {
	for _, d := range dsr {
		if d.ID == ts.ID {
			return matched(ts, d, evidence.MethodIndex, 1.0,
				fmt.Sprintf("section id %s matches DSR section %s", ts.ID, d.ID)), true
		}
	}
	for _, d := range dsr {
		if evidence.IsDescendant(d.ID, ts.ID) {
			return matched(ts, d, evidence.MethodIndex, 1.0,
				fmt.Sprintf("DSR section %s is a subsection of %s", d.ID, ts.ID)), true
		}
	}
	best := -1
	for i, d := range dsr {
		if !evidence.IsDescendant(ts.ID, d.ID) {
			continue
		}
		if best < 0 || len(d.ID) > len(dsr[best].ID) {
			best = i
		}
	}
	if best >= 0 {
		d := dsr[best]
		return matched(ts, d, evidence.MethodIndex, 1.0,
			fmt.Sprintf("section %s falls under DSR section %s", ts.ID, d.ID)), true
	}
	return evidence.MatchRecord{}, false
}

// headingScore compares normalized headings: equality scores 1.0, phrase
// containment 0.9, otherwise content-word overlap over the larger set.
func headingScore(a, b string) (float64, string) {
	na, nb := evidence.Normalize(a), evidence.Normalize(b)
	switch {
	case na == "" || nb == "":
		return 0, ""
	case na == nb:
		return 1.0, "equals"
	case evidence.ContainsPhrase(na, nb) || evidence.ContainsPhrase(nb, na):
		return 0.9, "contains"
	default:
		return evidence.Similarity(a, b), "overlaps"
	}
}

func (r *mapRun) headingPass(_ context.Context, ts evidence.TemplateSection, dsr []evidence.SourceSection) (evidence.MatchRecord, bool) {
	best, bestScore, bestHow := -1, 0.0, ""
	for i, d := range dsr {
		score, how := headingScore(ts.Heading, d.Heading)
		if score > bestScore {
			best, bestScore, bestHow = i, score, how
		}
	}
	if best < 0 || bestScore < r.opts.HeadingThreshold {
		return evidence.MatchRecord{}, false
	}
	d := dsr[best]
	return matched(ts, d, evidence.MethodHeading, bestScore,
		fmt.Sprintf("heading %q %s DSR heading %q (score %.2f)", ts.Heading, bestHow, d.Heading, bestScore)), true
}

func (r *mapRun) keywordPass(_ context.Context, ts evidence.TemplateSection, dsr []evidence.SourceSection) (evidence.MatchRecord, bool) {
	keywords := evidence.Keywords(ts.Rules, ts.Heading)
	if len(keywords) == 0 {
		return evidence.MatchRecord{}, false
	}
	best, bestScore := -1, 0.0
	var bestMatched []string
	for i, d := range dsr {
		found, score := evidence.Coverage(keywords, d.Heading+"\n"+d.Body)
		if score > bestScore {
			best, bestScore, bestMatched = i, score, found
		}
	}
	if best < 0 || bestScore < r.opts.KeywordThreshold {
		return evidence.MatchRecord{}, false
	}
	d := dsr[best]
	return matched(ts, d, evidence.MethodKeyword, bestScore,
		fmt.Sprintf("matched keywords: %s (%d/%d)", strings.Join(bestMatched, ", "), len(bestMatched), len(keywords))), true
}

func (r *mapRun) vectorPass(ctx context.Context, ts evidence.TemplateSection, dsr []evidence.SourceSection) (evidence.MatchRecord, bool) {
	if r.vectors == nil || r.chunker == nil || !r.vectors.Active() {
		return evidence.MatchRecord{}, false
	}
	query := strings.TrimSpace(ts.Heading + "\n" + strings.Join(ts.Rules, "\n"))
	if query == "" {
		return evidence.MatchRecord{}, false
	}
	if r.index == nil {
		r.index = r.vectors.Build(ctx, vectorindex.SectionChunks(r.chunker, dsr))
	}

	hits := r.index.Query(ctx, query, 1)
	if len(hits) == 0 || hits[0].Score < r.opts.VectorThreshold {
		return evidence.MatchRecord{}, false
	}
	hit := hits[0]
	for _, d := range dsr {
		if d.ID == hit.Chunk.SourceID {
			return matched(ts, d, evidence.MethodVector, hit.Score,
				fmt.Sprintf("cosine similarity %.2f with chunk %d of DSR section %s", hit.Score, hit.Chunk.Index, d.ID)), true
		}
	}
	return evidence.MatchRecord{}, false
}
