// SPDX-License-Identifier: Apache-2.0

package vectorindex_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvsafety/dsrmap/internal/chunk"
	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/vectorindex"
)

// counting wraps the hash embedder, counting calls and failing on demand.
type counting struct {
	calls atomic.Int32
	fail  func(call int) bool
	hash  *embed.Hash
	sizes []int
}

func newCounting(fail func(call int) bool) *counting {
	return &counting{hash: embed.NewHash(128), fail: fail}
}

func (c *counting) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := int(c.calls.Add(1))
	c.sizes = append(c.sizes, len(texts))
	if c.fail != nil && c.fail(n) {
		return nil, &embed.StatusError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("down")}
	}
	return c.hash.EmbedBatch(ctx, texts)
}

func (c *counting) Dimension() int { return c.hash.Dimension() }
func (c *counting) Model() string  { return c.hash.Model() }

func retrying(e embed.Embedder) embed.Embedder {
	return embed.NewRetrying(e, embed.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Millisecond})
}

func chunksOf(texts ...string) []chunk.Chunk {
	out := make([]chunk.Chunk, len(texts))
	for i, t := range texts {
		out[i] = chunk.Chunk{Text: t, SourceID: string(rune('a' + i)), Index: i}
	}
	return out
}

// ---------------------------------------------------------------------------
// Modes
// ---------------------------------------------------------------------------

func TestService_DisabledNeverEmbeds(t *testing.T) {
	svc := vectorindex.NewService(nil)
	assert.Equal(t, vectorindex.ModeDisabled, svc.Mode())

	idx := svc.Build(context.Background(), chunksOf("alpha", "beta"))
	assert.Zero(t, idx.Len())
	assert.Empty(t, idx.Query(context.Background(), "alpha", 5))
}

func TestService_BuildsInBatches(t *testing.T) {
	e := newCounting(nil)
	svc := vectorindex.NewService(e, vectorindex.WithBatchSize(2))

	idx := svc.Build(context.Background(), chunksOf("a1", "b2", "c3", "d4", "e5"))
	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, []int{2, 2, 1}, e.sizes)
	assert.Equal(t, vectorindex.ModeEnabled, svc.Mode())
}

func TestService_TransientFailureKeepsVectorMode(t *testing.T) {
	e := newCounting(func(call int) bool { return call == 1 })
	svc := vectorindex.NewService(retrying(e))

	idx := svc.Build(context.Background(), chunksOf("hepatic enzymes", "renal clearance"))
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, vectorindex.ModeEnabled, svc.Mode())
	assert.Empty(t, svc.DegradedReason())
	assert.NotEmpty(t, idx.Query(context.Background(), "hepatic", 1))
}

func TestService_PersistentFailureDegrades(t *testing.T) {
	e := newCounting(func(int) bool { return true })
	var hooked string
	svc := vectorindex.NewService(retrying(e), vectorindex.WithDegradeHook(func(r string) { hooked = r }))

	idx := svc.Build(context.Background(), chunksOf("hepatic enzymes"))
	assert.Zero(t, idx.Len())
	assert.Equal(t, vectorindex.ModeDegraded, svc.Mode())
	assert.Contains(t, svc.DegradedReason(), "service error")
	assert.Equal(t, svc.DegradedReason(), hooked)
	assert.Equal(t, int32(3), e.calls.Load())

	// Later builds are skipped without calling the service.
	second := svc.Build(context.Background(), chunksOf("renal"))
	assert.Zero(t, second.Len())
	assert.Equal(t, int32(3), e.calls.Load())
}

func TestService_LaterBatchFailureKeepsEarlierBatches(t *testing.T) {
	e := newCounting(func(call int) bool { return call >= 2 })
	svc := vectorindex.NewService(retrying(e), vectorindex.WithBatchSize(2))

	idx := svc.Build(context.Background(), chunksOf("hepatic enzymes", "renal clearance", "rash", "pruritus"))
	assert.Equal(t, 2, idx.Len(), "the first batch stays embedded")
	assert.Equal(t, vectorindex.ModeDegraded, svc.Mode())
	assert.Equal(t, int32(4), e.calls.Load())
	assert.Empty(t, idx.Query(context.Background(), "hepatic", 1))
	assert.Equal(t, int32(4), e.calls.Load(), "degraded queries never reach the service")
}

func TestIndex_QueryFailureDegrades(t *testing.T) {
	e := newCounting(func(call int) bool { return call > 1 })
	svc := vectorindex.NewService(retrying(e))

	idx := svc.Build(context.Background(), chunksOf("hepatic enzymes"))
	require.Equal(t, 1, idx.Len())

	assert.Empty(t, idx.Query(context.Background(), "hepatic", 1))
	assert.Equal(t, vectorindex.ModeDegraded, svc.Mode())
}

// ---------------------------------------------------------------------------
// Ranking
// ---------------------------------------------------------------------------

func TestIndex_QueryOrdering(t *testing.T) {
	svc := vectorindex.NewService(embed.NewHash(256))
	chunks := chunksOf(
		"renal impairment dosing",
		"hepatic enzyme elevation liver injury",
		"hepatic enzyme elevation liver injury",
		"paediatric formulation",
	)
	idx := svc.Build(context.Background(), chunks)

	hits := idx.Query(context.Background(), "liver injury hepatic enzyme elevation", 3)
	require.Len(t, hits, 3)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	// equal scores keep chunk order
	assert.Equal(t, 1, hits[0].Chunk.Index)
	assert.Equal(t, 2, hits[1].Chunk.Index)
	assert.GreaterOrEqual(t, hits[1].Score, hits[2].Score)
}

func TestIndex_BestPerSource(t *testing.T) {
	svc := vectorindex.NewService(embed.NewHash(256))
	chunks := []chunk.Chunk{
		{Text: "hepatic enzyme elevation", SourceID: "3.1", Index: 0},
		{Text: "hepatic enzyme elevation liver", SourceID: "3.1", Index: 1},
		{Text: "renal dosing", SourceID: "4", Index: 0},
	}
	idx := svc.Build(context.Background(), chunks)

	best := idx.Best(context.Background(), "hepatic enzyme elevation", 0)
	require.Len(t, best, 2)
	assert.Equal(t, "3.1", best[0].Chunk.SourceID)
	assert.Equal(t, 0, best[0].Chunk.Index)
	assert.Equal(t, "4", best[1].Chunk.SourceID)

	scores := idx.Scores(context.Background(), "hepatic enzyme elevation")
	assert.InDelta(t, 1.0, scores["3.1"], 1e-6)
}

func TestSectionChunks(t *testing.T) {
	c, err := chunk.NewWithTokenizer(chunk.Config{MaxTokens: 4, OverlapTokens: 1}, chunk.WordTokenizer{})
	require.NoError(t, err)

	chunks := vectorindex.SectionChunks(c, []evidence.SourceSection{
		{ID: "1", Heading: "Introduction", Body: "one two three four five"},
		{ID: "2", Heading: "Risk"},
	})
	require.NotEmpty(t, chunks)
	assert.Equal(t, "1", chunks[0].SourceID)
	assert.Equal(t, "2", chunks[len(chunks)-1].SourceID)
	assert.Equal(t, "Risk", chunks[len(chunks)-1].Text)
}
