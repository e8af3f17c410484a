// SPDX-License-Identifier: Apache-2.0

package embed_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvsafety/dsrmap/internal/embed"
	"github.com/pvsafety/dsrmap/internal/evidence"
)

// scripted is an Embedder whose calls fail according to failOn.
type scripted struct {
	calls  atomic.Int32
	failOn func(call int) error
	inner  embed.Embedder
}

func (s *scripted) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := int(s.calls.Add(1))
	if s.failOn != nil {
		if err := s.failOn(n); err != nil {
			return nil, err
		}
	}
	return s.inner.EmbedBatch(ctx, texts)
}

func (s *scripted) Dimension() int { return s.inner.Dimension() }
func (s *scripted) Model() string  { return s.inner.Model() }

func fastRetry() embed.RetryConfig {
	return embed.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}
}

var unavailable = &embed.StatusError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("overloaded")}

// ---------------------------------------------------------------------------
// Provider selection
// ---------------------------------------------------------------------------

func TestNew_Providers(t *testing.T) {
	e, err := embed.New(embed.Config{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = embed.New(embed.Config{Provider: "hash"}, nil)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 256, e.Dimension())

	e, err = embed.New(embed.Config{Provider: "openai", Model: "text-embedding-3-small", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", e.Model())

	_, err = embed.New(embed.Config{Provider: "word2vec"}, nil)
	assert.Error(t, err)
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, embed.DefaultConfig().Enabled())
	assert.True(t, embed.Config{Provider: "HASH"}.Enabled())
}

// ---------------------------------------------------------------------------
// Hash embedder and vector helpers
// ---------------------------------------------------------------------------

func TestHash_DeterministicAndNormalised(t *testing.T) {
	h := embed.NewHash(64)
	ctx := context.Background()

	a, err := embed.EmbedOne(ctx, h, "Hepatic adverse events in adults")
	require.NoError(t, err)
	b, err := embed.EmbedOne(ctx, h, "Hepatic adverse events in adults")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, embed.Norm(a), 1e-6)
	assert.InDelta(t, 1.0, embed.CosineSimilarity(a, b), 1e-6)
}

func TestHash_SharedVocabularyIsCloser(t *testing.T) {
	h := embed.NewHash(512)
	vecs, err := h.EmbedBatch(context.Background(), []string{
		"liver toxicity hepatic enzymes elevation",
		"hepatic enzymes elevation observed liver",
		"paediatric dosing formulation tablets",
	})
	require.NoError(t, err)
	assert.Greater(t, embed.CosineSimilarity(vecs[0], vecs[1]), embed.CosineSimilarity(vecs[0], vecs[2]))
}

func TestVector_SerializeRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3}
	assert.Equal(t, vec, embed.Deserialize(embed.Serialize(vec)))
	assert.Zero(t, embed.CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, embed.CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

// ---------------------------------------------------------------------------
// Retrying
// ---------------------------------------------------------------------------

func TestRetrying_RecoversAfterTransientFailure(t *testing.T) {
	inner := &scripted{inner: embed.NewHash(16), failOn: func(call int) error {
		if call == 1 {
			return unavailable
		}
		return nil
	}}
	var retries int
	r := embed.NewRetrying(inner, fastRetry(), embed.WithRetryHook(func(int, error) { retries++ }))

	vecs, err := r.EmbedBatch(context.Background(), []string{"a b", "c d"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, 1, retries)
}

func TestRetrying_ExhaustedIsServiceError(t *testing.T) {
	inner := &scripted{inner: embed.NewHash(16), failOn: func(int) error { return unavailable }}
	r := embed.NewRetrying(inner, fastRetry())

	_, err := r.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)

	var se *evidence.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.ErrorIs(t, err, unavailable)
}

func TestRetrying_ClientErrorIsNotRetried(t *testing.T) {
	inner := &scripted{inner: embed.NewHash(16), failOn: func(int) error {
		return &embed.StatusError{StatusCode: http.StatusBadRequest, Err: errors.New("bad input")}
	}}
	r := embed.NewRetrying(inner, fastRetry())

	_, err := r.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, evidence.IsService(err))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rate limited", err: &embed.StatusError{StatusCode: 429}, want: true},
		{name: "server error", err: &embed.StatusError{StatusCode: 502}, want: true},
		{name: "unauthorized", err: &embed.StatusError{StatusCode: 401}, want: false},
		{name: "cancelled", err: fmt.Errorf("call: %w", context.Canceled), want: false},
		{name: "timeout", err: context.DeadlineExceeded, want: true},
		{name: "transport", err: errors.New("connection reset"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, embed.Retryable(tt.err))
		})
	}
}

// ---------------------------------------------------------------------------
// OpenAI client against a mock endpoint
// ---------------------------------------------------------------------------

type embeddingsServer struct {
	calls      atomic.Int32
	inputs     [][]string
	dimensions []int
	status     func(call int) int
}

func (s *embeddingsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := int(s.calls.Add(1))
	if !strings.HasSuffix(r.URL.Path, "/embeddings") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.status != nil {
		if code := s.status(call); code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"mock failure","type":"server_error"}}`))
			return
		}
	}

	var req struct {
		Input      []string `json:"input"`
		Model      string   `json:"model"`
		Dimensions int      `json:"dimensions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.inputs = append(s.inputs, req.Input)
	s.dimensions = append(s.dimensions, req.Dimensions)
	width := 3
	if req.Dimensions > 0 {
		width = req.Dimensions
	}

	// Reverse order to exercise index reassembly.
	type item struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	data := make([]item, 0, len(req.Input))
	for i := len(req.Input) - 1; i >= 0; i-- {
		vec := make([]float64, width)
		vec[0], vec[1] = float64(len(req.Input[i])), 1
		data = append(data, item{Object: "embedding", Index: i, Embedding: vec})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func newOpenAI(srvURL string, batchSize int) *embed.OpenAI {
	return embed.NewOpenAI(embed.Config{
		Provider:      embed.ProviderOpenAI,
		Model:         "text-embedding-3-small",
		BaseURL:       srvURL + "/v1/",
		APIKey:        "test-key",
		BatchSize:     batchSize,
		MaxInputChars: 8000,
	}, nil)
}

func TestOpenAI_BatchesAndOrder(t *testing.T) {
	mock := &embeddingsServer{}
	srv := httptest.NewServer(mock)
	defer srv.Close()

	client := newOpenAI(srv.URL, 2)
	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)

	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
	assert.Equal(t, int32(3), mock.calls.Load())
	assert.Equal(t, 3, client.Dimension())
}

func TestOpenAI_SendsRequestedDimension(t *testing.T) {
	mock := &embeddingsServer{}
	srv := httptest.NewServer(mock)
	defer srv.Close()

	shortened := embed.NewOpenAI(embed.Config{Model: "text-embedding-3-small", BaseURL: srv.URL + "/v1/", APIKey: "k", BatchSize: 10, Dimension: 8}, nil)
	vecs, err := shortened.EmbedBatch(context.Background(), []string{"hepatitis"})
	require.NoError(t, err)
	require.Len(t, vecs[0], 8)
	assert.Equal(t, 8, shortened.Dimension())

	native := newOpenAI(srv.URL, 10)
	_, err = native.EmbedBatch(context.Background(), []string{"hepatitis"})
	require.NoError(t, err)

	assert.Equal(t, []int{8, 0}, mock.dimensions, "dimensions is only sent when configured")
}

func TestOpenAI_TruncatesLongInput(t *testing.T) {
	mock := &embeddingsServer{}
	srv := httptest.NewServer(mock)
	defer srv.Close()

	client := embed.NewOpenAI(embed.Config{Model: "m", BaseURL: srv.URL + "/v1/", APIKey: "k", BatchSize: 10, MaxInputChars: 5}, nil)
	_, err := client.EmbedBatch(context.Background(), []string{"ééééééééé"})
	require.NoError(t, err)
	require.Len(t, mock.inputs, 1)
	assert.Equal(t, "ééééé", mock.inputs[0][0])
}

func TestOpenAI_ServerErrorRetriedThenSucceeds(t *testing.T) {
	mock := &embeddingsServer{status: func(call int) int {
		if call == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(mock)
	defer srv.Close()

	r := embed.NewRetrying(newOpenAI(srv.URL, 100), fastRetry())
	vecs, err := r.EmbedBatch(context.Background(), []string{"risk"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, int32(2), mock.calls.Load())
}

func TestOpenAI_BadRequestFailsFast(t *testing.T) {
	mock := &embeddingsServer{status: func(int) int { return http.StatusBadRequest }}
	srv := httptest.NewServer(mock)
	defer srv.Close()

	r := embed.NewRetrying(newOpenAI(srv.URL, 100), fastRetry())
	_, err := r.EmbedBatch(context.Background(), []string{"risk"})
	require.Error(t, err)
	assert.True(t, evidence.IsService(err))
	assert.Equal(t, int32(1), mock.calls.Load())
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func TestCached_HitAvoidsServiceCall(t *testing.T) {
	cache, err := embed.OpenCache(":memory:")
	require.NoError(t, err)
	defer cache.Close()

	inner := &scripted{inner: embed.NewHash(16)}
	c := embed.NewCached(inner, cache, 100, nil)
	ctx := context.Background()

	first, err := c.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	second, err := c.EmbedBatch(ctx, []string{"beta", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, first[0], second[1])

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCached_DimensionChangeIsAMiss(t *testing.T) {
	cache, err := embed.OpenCache(":memory:")
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	_, err = embed.NewCached(embed.NewHash(256), cache, 100, nil).EmbedBatch(ctx, []string{"liver injury", "rash"})
	require.NoError(t, err)

	wide := &scripted{inner: embed.NewHash(512)}
	vecs, err := embed.NewCached(wide, cache, 100, nil).EmbedBatch(ctx, []string{"liver injury", "rash"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), wide.calls.Load(), "vectors of the old length are re-embedded")
	for i, v := range vecs {
		assert.Len(t, v, 512, "vector %d", i)
	}
	assert.InDelta(t, 1.0, embed.CosineSimilarity(vecs[0], vecs[0]), 1e-6)

	// The new vectors replaced the old ones.
	again, err := embed.NewCached(wide, cache, 100, nil).EmbedBatch(ctx, []string{"rash"})
	require.NoError(t, err)
	assert.Len(t, again[0], 512)
	assert.Equal(t, int32(1), wide.calls.Load())
	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCached_KeepsCompletedBatchesOnFailure(t *testing.T) {
	cache, err := embed.OpenCache(":memory:")
	require.NoError(t, err)
	defer cache.Close()

	inner := &scripted{inner: embed.NewHash(16), failOn: func(call int) error {
		if call == 2 {
			return unavailable
		}
		return nil
	}}
	c := embed.NewCached(inner, cache, 2, nil)
	ctx := context.Background()

	_, err = c.EmbedBatch(ctx, []string{"a", "b", "c", "d"})
	require.Error(t, err)

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "first batch should be persisted")

	// The rerun only embeds what is still missing.
	vecs, err := c.EmbedBatch(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Len(t, vecs, 4)
	assert.Equal(t, int32(3), inner.calls.Load())
}
