// SPDX-License-Identifier: Apache-2.0

// Package chunk splits section text into overlapping, token-bounded chunks
// for embedding.
package chunk

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"
)

// Chunk is a contiguous span of one source text. Text is always
// source[Offset:End].
type Chunk struct {
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	SourceID   string `json:"source_id"`
	Offset     int    `json:"offset"`
	End        int    `json:"end"`
	Index      int    `json:"index"`
	// OverlapPrev is the number of tokens shared with the previous chunk.
	OverlapPrev int `json:"overlap_prev"`
	// OverlapNext is the number of tokens shared with the next chunk; zero
	// for the final chunk.
	OverlapNext int `json:"overlap_next"`
}

// Config holds chunking configuration.
type Config struct {
	// MaxTokens is the hard upper bound of tokens per chunk.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// OverlapTokens is the number of tokens consecutive chunks share.
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`

	// Encoding names the tiktoken encoding. Empty selects the word tokenizer.
	Encoding string `yaml:"encoding" json:"encoding"`
}

// DefaultConfig matches the text-embedding-3 tokenizer with 500-token
// chunks and a 50-token overlap.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     500,
		OverlapTokens: 50,
		Encoding:      "cl100k_base",
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MaxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.OverlapTokens < 0 {
		return fmt.Errorf("OverlapTokens must not be negative, got %d", c.OverlapTokens)
	}
	if c.OverlapTokens >= c.MaxTokens {
		return fmt.Errorf("OverlapTokens (%d) must be less than MaxTokens (%d)", c.OverlapTokens, c.MaxTokens)
	}
	return nil
}

// Chunker splits text into chunks. It holds no per-call state and may be
// shared.
type Chunker struct {
	config    Config
	tokenizer Tokenizer
}

// New creates a Chunker, loading the configured tiktoken encoding.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	var tok Tokenizer = WordTokenizer{}
	if cfg.Encoding != "" {
		tt, err := NewTiktoken(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		tok = tt
	}
	return &Chunker{config: cfg, tokenizer: tok}, nil
}

// NewWithTokenizer creates a Chunker using tok instead of the configured
// encoding.
func NewWithTokenizer(cfg Config, tok Tokenizer) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	return &Chunker{config: cfg, tokenizer: tok}, nil
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() Config {
	return c.config
}

// CountTokens returns the number of tokens in text.
func (c *Chunker) CountTokens(text string) int {
	return len(c.tokenizer.Pieces(text))
}

// Chunks returns a lazy sequence of chunks over text. Each range over the
// sequence tokenizes afresh and yields identical chunks. Empty or
// whitespace-only text yields nothing.
//
// Chunks only start and end where a token begins a UTF-8 character, so a
// character split across tokens is never cut in two. Overlaps are then at
// most OverlapTokens. A character whose tokens alone exceed MaxTokens still
// forms one chunk.
func (c *Chunker) Chunks(sourceID, text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}
		pieces := c.tokenizer.Pieces(text)

		// offsets[i] is the byte offset of token i; offsets[n] == len(text).
		offsets := make([]int, len(pieces)+1)
		for i, p := range pieces {
			offsets[i+1] = offsets[i] + len(p)
		}
		bounds := runeBoundaries(text, offsets)

		maxTokens, overlap := c.config.MaxTokens, c.config.OverlapTokens
		last := len(bounds) - 1
		prevOverlap := 0
		for index, u := 0, 0; ; index++ {
			e := u + 1
			for e < last && bounds[e+1]-bounds[u] <= maxTokens {
				e++
			}
			start, end := bounds[u], bounds[e]

			next, nextOverlap := e, 0
			if e < last {
				for v := u + 1; v <= e; v++ {
					if bounds[e]-bounds[v] <= overlap {
						next, nextOverlap = v, bounds[e]-bounds[v]
						break
					}
				}
			}

			ch := Chunk{
				Text:        text[offsets[start]:offsets[end]],
				TokenCount:  end - start,
				SourceID:    sourceID,
				Offset:      offsets[start],
				End:         offsets[end],
				Index:       index,
				OverlapPrev: prevOverlap,
				OverlapNext: nextOverlap,
			}
			if !yield(ch) || e == last {
				return
			}
			u, prevOverlap = next, nextOverlap
		}
	}
}

// runeBoundaries returns the token indexes at which a chunk may start or
// end: those whose byte offset begins a UTF-8 character, plus the end.
func runeBoundaries(text string, offsets []int) []int {
	bounds := make([]int, 0, len(offsets))
	for i, off := range offsets {
		if i == 0 || off == len(text) || utf8.RuneStart(text[off]) {
			bounds = append(bounds, i)
		}
	}
	return bounds
}

// Split collects Chunks into a slice.
func (c *Chunker) Split(sourceID, text string) []Chunk {
	var out []Chunk
	for ch := range c.Chunks(sourceID, text) {
		out = append(out, ch)
	}
	return out
}

// Join rebuilds the original text from consecutive chunks of one source by
// concatenating the part of each chunk that precedes the next chunk's offset.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i+1 < len(chunks) {
			b.WriteString(ch.Text[:chunks[i+1].Offset-ch.Offset])
			continue
		}
		b.WriteString(ch.Text)
	}
	return b.String()
}
