// SPDX-License-Identifier: Apache-2.0

package embed

import (
	"context"
	"hash/fnv"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// Hash is a deterministic feature-hashing embedder. Each content word is
// hashed into one signed bucket and the result is L2-normalised, so texts
// sharing vocabulary have high cosine similarity. It never calls a service.
type Hash struct {
	dim int
}

func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 256
	}
	return &Hash{dim: dim}
}

func (h *Hash) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, w := range evidence.ContentWords(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return NormalizeL2(vec)
}

func (h *Hash) Dimension() int { return h.dim }
func (h *Hash) Model() string  { return "fnv-hash" }
