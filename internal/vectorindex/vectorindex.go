// SPDX-License-Identifier: Apache-2.0

// Package vectorindex embeds chunks and answers cosine nearest-neighbour
// queries over them. A Service lives for one run and remembers whether the
// embedding service has failed; after a failure every later build or query
// is skipped and the run continues keyword-only.
package vectorindex

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/pvsafety/dsrmap/internal/chunk"
	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
)

type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeEnabled  Mode = "enabled"
	ModeDegraded Mode = "degraded"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithBatchSize sets the number of chunks per embedding call.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithDegradeHook registers a function called once when the service degrades.
func WithDegradeHook(fn func(reason string)) Option {
	return func(s *Service) {
		s.onDegrade = fn
	}
}

// Service owns the embedder and the run's vector mode.
type Service struct {
	embedder  embed.Embedder
	batchSize int
	logger    *slog.Logger
	onDegrade func(reason string)

	degraded bool
	reason   string
}

// NewService creates a Service. A nil embedder disables vector matching.
func NewService(e embed.Embedder, opts ...Option) *Service {
	s := &Service{embedder: e, batchSize: 100, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Mode() Mode {
	switch {
	case s.embedder == nil:
		return ModeDisabled
	case s.degraded:
		return ModeDegraded
	default:
		return ModeEnabled
	}
}

// Active reports whether vector operations will be attempted.
func (s *Service) Active() bool {
	return s.Mode() == ModeEnabled
}

// DegradedReason returns why the service degraded, empty if it has not.
func (s *Service) DegradedReason() string {
	return s.reason
}

func (s *Service) degrade(err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.reason = err.Error()
	s.logger.Warn("embedding service unavailable, continuing keyword-only", "error", err)
	if s.onDegrade != nil {
		s.onDegrade(s.reason)
	}
}

// handle records a failed vector operation. Service errors degrade the run;
// other errors only abort the current operation.
func (s *Service) handle(op string, err error) {
	var se *evidence.ServiceError
	if errors.As(err, &se) {
		s.degrade(err)
		return
	}
	s.logger.Warn("vector operation failed", "op", op, "error", err)
}

type entry struct {
	chunk chunk.Chunk
	vec   []float32
}

// Index is a built, read-only set of embedded chunks.
type Index struct {
	svc     *Service
	entries []entry
}

// Build embeds chunks in batches. When the service is not active the
// returned index is empty. When a batch fails the index keeps the batches
// embedded before it, but a failure that degrades the service makes every
// query return nothing.
func (s *Service) Build(ctx context.Context, chunks []chunk.Chunk) *Index {
	idx := &Index{svc: s}
	if !s.Active() || len(chunks) == 0 {
		return idx
	}

	entries := make([]entry, 0, len(chunks))
	for batch := range slices.Chunk(chunks, s.batchSize) {
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(batch) {
			err = &evidence.ServiceError{Op: "embed chunks", Attempts: 1,
				Err: errors.New("embedding count does not match batch size")}
		}
		if err != nil {
			s.handle("build", err)
			idx.entries = entries
			return idx
		}
		for i, c := range batch {
			entries = append(entries, entry{chunk: c, vec: unit(vecs[i])})
		}
	}

	s.logger.Debug("vector index built", "chunks", len(entries), "model", s.embedder.Model())
	idx.entries = entries
	return idx
}

// Len returns the number of embedded chunks.
func (x *Index) Len() int {
	return len(x.entries)
}

// Hit is one query result.
type Hit struct {
	Chunk chunk.Chunk
	Score float64
}

// Query returns the k chunks most similar to text, by descending cosine
// similarity with ties kept in chunk order. k <= 0 returns every chunk.
func (x *Index) Query(ctx context.Context, text string, k int) []Hit {
	if len(x.entries) == 0 || !x.svc.Active() {
		return nil
	}
	q, err := embed.EmbedOne(ctx, x.svc.embedder, text)
	if err != nil {
		x.svc.handle("query", err)
		return nil
	}
	q = unit(q)

	hits := make([]Hit, len(x.entries))
	for i, e := range x.entries {
		hits[i] = Hit{Chunk: e.chunk, Score: embed.CosineSimilarity(q, e.vec)}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Best aggregates the top k hits to the best score per chunk SourceID, in
// descending score order.
func (x *Index) Best(ctx context.Context, text string, k int) []Hit {
	var best []Hit
	seen := map[string]bool{}
	for _, h := range x.Query(ctx, text, k) {
		if seen[h.Chunk.SourceID] {
			continue
		}
		seen[h.Chunk.SourceID] = true
		best = append(best, h)
	}
	return best
}

// Scores returns the best score per SourceID over every chunk.
func (x *Index) Scores(ctx context.Context, text string) map[string]float64 {
	scores := map[string]float64{}
	for _, h := range x.Best(ctx, text, 0) {
		scores[h.Chunk.SourceID] = h.Score
	}
	return scores
}

func unit(v []float32) []float32 {
	return embed.NormalizeL2(slices.Clone(v))
}

// SectionChunks chunks the heading and body of every section, tagging each
// chunk with its section id. Chunk order follows section order.
func SectionChunks(c *chunk.Chunker, sections []evidence.SourceSection) []chunk.Chunk {
	var out []chunk.Chunk
	for _, s := range sections {
		text := s.Heading
		if s.Body != "" {
			text += "\n" + s.Body
		}
		for ch := range c.Chunks(s.ID, text) {
			out = append(out, ch)
		}
	}
	return out
}
