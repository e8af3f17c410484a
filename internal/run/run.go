// SPDX-License-Identifier: Apache-2.0

// Package run executes one mapping run: parse the template, load the
// sources, map the DSR, resolve evidence and write the deliverables.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pvsafety/dsrmap/internal/chunk"
	"github.com/pvsafety/dsrmap/internal/config"
	"github.com/pvsafety/dsrmap/internal/deliverable"
	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/evidence/parsers"
	"github.com/pvsafety/dsrmap/internal/mapper"
	"github.com/pvsafety/dsrmap/internal/metrics"
	"github.com/pvsafety/dsrmap/internal/resolve"
	"github.com/pvsafety/dsrmap/internal/template"
	"github.com/pvsafety/dsrmap/internal/vectorindex"
)

// Inputs names the documents of a run. Only Template and one of DSR or
// DSRIndex are required.
type Inputs struct {
	Template string
	Scope    string

	// DSR is a PDF, markdown or YAML rendering of the DSR.
	DSR string
	// DSRIndex is a CSV index of pre-extracted DSR sections whose files
	// live in SectionsDir. It replaces DSR when set.
	DSRIndex    string
	SectionsDir string

	IB         string
	PBRER      string
	Literature string
}

// Outcome is the result of a run.
type Outcome struct {
	RunID     string
	Sections  []evidence.TemplateSection
	Mapping   mapper.Result
	Evidence  []evidence.ResolvedEvidence
	Omissions []deliverable.Omission
	Snapshot  deliverable.Snapshot
	Paths     deliverable.Paths
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMetrics records the run into rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = rec
	}
}

// WithEmbedder replaces the embedding client built from the configuration
// when the configuration enables vector matching. Retries, caching and
// metrics still wrap it.
func WithEmbedder(e embed.Embedder) Option {
	return func(r *Runner) {
		r.embedder = e
	}
}

// WithClock sets the time source for the snapshot timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// Runner holds what one run is configured with.
type Runner struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	embedder embed.Embedder
	now      func() time.Time
}

func New(cfg config.Config, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return r
}

// Run is shorthand for New(cfg, opts...).Run(ctx, in).
func Run(ctx context.Context, cfg config.Config, in Inputs, opts ...Option) (*Outcome, error) {
	return New(cfg, opts...).Run(ctx, in)
}

// Run executes the run. Template structure errors, invalid scopes and
// unreadable files fail the run; sources that cannot be parsed are skipped
// and listed in the outcome's omissions.
func (r *Runner) Run(ctx context.Context, in Inputs) (*Outcome, error) {
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)
	logger.Info("starting run", "template", in.Template, "scope", in.Scope)

	sections, err := template.New(template.WithLogger(logger)).ParseFile(in.Template)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	scope, err := template.ParseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	inScope, err := scope.Filter(sections)
	if err != nil {
		return nil, err
	}
	logger.Info("parsed template", "sections", len(sections), "in_scope", len(inScope))

	ld := &loader{pipeline: parsers.DefaultPipeline(), r: r}
	var dsr []evidence.SourceSection
	if in.DSRIndex != "" {
		dsr, err = loadSectionIndex(in.DSRIndex, in.SectionsDir)
		if evidence.IsInputFormat(err) {
			ld.omit(in.DSRIndex, evidence.KindDSR, err)
			err = nil
		}
	} else {
		dsr, err = ld.load(ctx, in.DSR, evidence.KindDSR)
	}
	if err != nil {
		return nil, err
	}
	sources := []struct {
		path     string
		kind     evidence.DocumentKind
		sections []evidence.SourceSection
	}{
		{path: in.IB, kind: evidence.KindIB},
		{path: in.PBRER, kind: evidence.KindPBRER},
		{path: in.Literature, kind: evidence.KindLiterature},
	}
	for i := range sources {
		sources[i].sections, err = ld.load(ctx, sources[i].path, sources[i].kind)
		if err != nil {
			return nil, err
		}
	}

	e, closeEmbedder, err := r.buildEmbedder(logger)
	if err != nil {
		return nil, err
	}
	defer closeEmbedder()

	svc := vectorindex.NewService(e,
		vectorindex.WithLogger(logger),
		vectorindex.WithBatchSize(r.cfg.Embedding.BatchSize),
		vectorindex.WithDegradeHook(r.metrics.DegradeHook()),
	)
	var chunker *chunk.Chunker
	mapperOpts := []mapper.Option{mapper.WithLogger(logger)}
	if e != nil {
		chunker, err = chunk.New(r.cfg.Chunking)
		if err != nil {
			return nil, fmt.Errorf("create chunker: %w", err)
		}
		mapperOpts = append(mapperOpts, mapper.WithVectors(svc, chunker))
	}

	mapped, err := mapper.New(r.cfg.Matching, mapperOpts...).Map(ctx, sections, dsr, scope)
	if err != nil {
		return nil, err
	}
	for _, rec := range mapped.Records {
		r.metrics.ObserveMatch(rec)
	}

	idx := resolve.Indexes{}
	for _, src := range sources {
		if len(src.sections) == 0 {
			continue
		}
		var vectors *vectorindex.Index
		if chunker != nil && svc.Active() {
			vectors = svc.Build(ctx, vectorindex.SectionChunks(chunker, src.sections))
		}
		si := resolve.NewSourceIndex(src.kind, src.sections, vectors)
		switch src.kind {
		case evidence.KindIB:
			idx.IB = si
		case evidence.KindPBRER:
			idx.PBRER = si
		case evidence.KindLiterature:
			idx.Literature = si
		}
	}
	resolver := resolve.New(r.cfg.Resolver, logger)
	resolved := make([]evidence.ResolvedEvidence, len(inScope))
	for i, ts := range inScope {
		resolved[i] = resolver.Resolve(ctx, ts, idx)
		r.metrics.ObserveEvidence(resolved[i])
	}

	// Resolution may degrade the service after mapping finished.
	mode, reason := svc.Mode(), svc.DegradedReason()
	snap := deliverable.Snapshot{
		RunID:          runID,
		CreatedAt:      r.now().UTC(),
		Template:       in.Template,
		Scope:          scope.String(),
		VectorMode:     string(mode),
		Degraded:       mode == vectorindex.ModeDegraded,
		DegradedReason: reason,
		Counts:         deliverable.Tally(mapped.Records, resolved),
		Omissions:      ld.omissions,
		Mapping:        mapped.Records,
		Evidence:       resolved,
	}
	if e != nil {
		snap.EmbeddingModel = e.Model()
	}

	paths, err := deliverable.WriteAll(r.cfg.Output.Dir, deliverable.Report{
		Sections: inScope,
		Evidence: resolved,
		Snapshot: snap,
	})
	if err != nil {
		return nil, err
	}
	if r.cfg.Output.MetricsFile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.Output.MetricsFile); err != nil {
			return nil, fmt.Errorf("write metrics: %w", err)
		}
	}

	logger.Info("run complete",
		"matched", snap.Counts.Matched, "unmatched", snap.Counts.Unmatched,
		"evidence_found", snap.Counts.EvidenceFound, "vector_mode", snap.VectorMode,
		"omissions", len(snap.Omissions), "output", r.cfg.Output.Dir)

	return &Outcome{
		RunID:     runID,
		Sections:  inScope,
		Mapping:   mapped,
		Evidence:  resolved,
		Omissions: ld.omissions,
		Snapshot:  snap,
		Paths:     paths,
	}, nil
}

// buildEmbedder returns the embedder for the run, nil when vector matching
// is disabled. Attempts are counted beneath the retry layer and the cache
// sits on top, so only cache misses reach the service.
func (r *Runner) buildEmbedder(logger *slog.Logger) (embed.Embedder, func(), error) {
	noop := func() {}
	if !r.cfg.Embedding.Enabled() {
		logger.Info("vector matching disabled")
		return nil, noop, nil
	}
	raw := r.embedder
	if raw == nil {
		var err error
		if raw, err = embed.New(r.cfg.Embedding, logger); err != nil {
			return nil, noop, err
		}
	}

	var e embed.Embedder = embed.NewRetrying(r.metrics.Instrument(raw), r.cfg.Embedding.Retry,
		embed.WithLogger(logger), embed.WithRetryHook(r.metrics.RetryHook()))

	if path := r.cfg.Embedding.CachePath; path != "" {
		cache, err := embed.OpenCache(path)
		if err != nil {
			return nil, noop, err
		}
		e = embed.NewCached(e, cache, r.cfg.Embedding.BatchSize, logger)
		return e, func() { _ = cache.Close() }, nil
	}
	return e, noop, nil
}
