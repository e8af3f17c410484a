// SPDX-License-Identifier: Apache-2.0

package embed

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	key        TEXT PRIMARY KEY,
	model      TEXT NOT NULL,
	dimension  INTEGER NOT NULL,
	vector     BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Cache is a persistent embedding cache in SQLite keyed by model and text.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache at path. ":memory:" gives a private
// in-memory cache.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	// One connection: an in-memory database is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedding cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for text under model. When dim is positive a
// vector of any other length is a miss; it was stored under an earlier
// dimension setting and is replaced by the next Put.
func (c *Cache) Get(ctx context.Context, model, text string, dim int) ([]float32, bool, error) {
	var blob []byte
	var stored int
	err := c.db.QueryRowContext(ctx,
		`SELECT vector, dimension FROM embeddings WHERE key = ?`, cacheKey(model, text)).Scan(&blob, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding cache: %w", err)
	}
	if dim > 0 && stored != dim {
		return nil, false, nil
	}
	return Deserialize(blob), true, nil
}

// Put stores vec for text under model, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, model, text string, vec []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (key, model, dimension, vector) VALUES (?, ?, ?, ?)`,
		cacheKey(model, text), model, len(vec), Serialize(vec))
	if err != nil {
		return fmt.Errorf("write embedding cache: %w", err)
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embedding cache: %w", err)
	}
	return n, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Cached wraps an Embedder with a Cache. Only cache misses reach the inner
// embedder, in batches of at most batchSize, and each batch is persisted as
// soon as it succeeds.
type Cached struct {
	inner     Embedder
	cache     *Cache
	batchSize int
	logger    *slog.Logger
}

func NewCached(inner Embedder, cache *Cache, batchSize int, logger *slog.Logger) *Cached {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{inner: inner, cache: cache, batchSize: batchSize, logger: logger}
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model, dim := c.inner.Model(), c.inner.Dimension()
	out := make([][]float32, len(texts))
	var misses []int
	for i, t := range texts {
		vec, ok, err := c.cache.Get(ctx, model, t, dim)
		if err != nil {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		if ok {
			out[i] = vec
			continue
		}
		misses = append(misses, i)
	}

	if len(misses) > 0 {
		c.logger.Debug("embedding cache", "hits", len(texts)-len(misses), "misses", len(misses))
	}

	for start := 0; start < len(misses); start += c.batchSize {
		idx := misses[start:min(start+c.batchSize, len(misses))]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		vecs, err := c.inner.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = vecs[j]
			if err := c.cache.Put(ctx, model, texts[i], vecs[j]); err != nil {
				c.logger.Warn("embedding cache write failed", "error", err)
			}
		}
	}
	return out, nil
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }
func (c *Cached) Model() string  { return c.inner.Model() }
