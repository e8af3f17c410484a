// SPDX-License-Identifier: Apache-2.0

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Embedder using the OpenAI embeddings API. The SDK's own
// retries are disabled; wrap it in Retrying for retry and timeout handling.
type OpenAI struct {
	client    openai.Client
	model     string
	dim       int // 0 = auto-detect
	requested int
	batchSize int
	maxChars  int
	logger    *slog.Logger
	mu        sync.Mutex // protects dim on first call
}

func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dim:       cfg.Dimension,
		requested: cfg.Dimension,
		batchSize: cfg.BatchSize,
		maxChars:  cfg.MaxInputChars,
		logger:    logger,
	}
}

func (c *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.call(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", start, end, err)
		}
		copy(result[start:end], vecs)
	}
	return result, nil
}

func (c *OpenAI) call(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = truncateRunes(t, c.maxChars)
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
		Model: openai.EmbeddingModel(c.model),
	}
	if c.requested > 0 {
		params.Dimensions = openai.Int(int64(c.requested))
	}
	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned for model %q", c.model)
	}

	// Reassemble in input order.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vecs) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vecs[d.Index] = vec
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input index %d", i)
		}
	}

	c.mu.Lock()
	if c.dim == 0 {
		c.dim = len(vecs[0])
		c.logger.Info("auto-detected embedding dimension", "dimension", c.dim, "model", c.model)
	}
	c.mu.Unlock()
	return vecs, nil
}

func (c *OpenAI) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func (c *OpenAI) Model() string { return c.model }

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
