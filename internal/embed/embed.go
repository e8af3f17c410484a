// SPDX-License-Identifier: Apache-2.0

// Package embed converts text to float32 vectors. The OpenAI client talks to
// any OpenAI-compatible embeddings endpoint; the hash embedder is a
// deterministic offline stand-in.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, 0 if not yet known.
	Dimension() int

	// Model returns the model name.
	Model() string
}

const (
	ProviderNone   = "none"
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
)

// Config configures the embedding service.
type Config struct {
	// Provider is one of none, hash or openai. Empty means none.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`

	// BaseURL overrides the OpenAI endpoint, e.g. a local vLLM server.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is never serialized; it normally comes from OPENAI_API_KEY.
	APIKey string `yaml:"api_key" json:"-"`

	// Dimension is the vector size for the hash provider and the requested
	// size for models that support shortening. 0 means model default.
	Dimension int `yaml:"dimension" json:"dimension"`

	// BatchSize is the maximum number of texts per service call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxInputChars truncates each input text before embedding.
	MaxInputChars int `yaml:"max_input_chars" json:"max_input_chars"`

	Retry RetryConfig `yaml:"retry" json:"retry"`

	// CachePath is the SQLite embedding cache file. Empty disables caching.
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// DefaultConfig returns the offline-safe defaults: vector matching disabled.
func DefaultConfig() Config {
	return Config{
		Provider:      ProviderNone,
		Model:         "text-embedding-3-small",
		Dimension:     0,
		BatchSize:     100,
		MaxInputChars: 8000,
		Retry:         DefaultRetryConfig(),
	}
}

// Enabled reports whether the config selects a real embedder.
func (c Config) Enabled() bool {
	p := strings.ToLower(c.Provider)
	return p != "" && p != ProviderNone
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = 8000
	}
	if c.Dimension <= 0 && strings.EqualFold(c.Provider, ProviderHash) {
		c.Dimension = 256
	}
	if c.Retry.Timeout <= 0 {
		c.Retry.Timeout = 30 * time.Second
	}
}

// New creates the Embedder selected by cfg.Provider. It returns nil and no
// error for the none provider, which disables vector matching.
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderHash:
		return NewHash(cfg.Dimension), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}
