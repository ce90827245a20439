// Package embedder implements the Embedder Layer: the
// text-to-vector contract plus an in-memory memoizing wrapper keyed on a
// content fingerprint of the input list.
package embedder

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/forgepilot/orchestrator/internal/taxonomy"
)

// Embedder maps a batch of texts to one vector per text. Implementations map
// backend errors onto the shared taxonomy before returning.
type Embedder interface {
	ID() string
	Dims() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// fingerprint hashes the ordered text list. Each element is length-prefixed
// so the digest is sensitive to element order and content but insensitive to
// slice identity — and so ["ab","c"] never collides with
// ["a","bc"].
func fingerprint(texts []string) string {
	h := blake3.New()
	var lenBuf [8]byte
	for _, t := range texts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(t)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write([]byte(t))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Caching wraps an Embedder with an in-memory memoization cache. The cache is
// process-local mutable state with last-write-wins semantics;
// it is unbounded by design).
type Caching struct {
	inner Embedder

	mu    sync.Mutex
	cache map[string][][]float32
}

// NewCaching wraps inner with memoization.
func NewCaching(inner Embedder) *Caching {
	return &Caching{inner: inner, cache: map[string][][]float32{}}
}

func (c *Caching) ID() string { return c.inner.ID() }
func (c *Caching) Dims() int  { return c.inner.Dims() }

// EmbedTexts serves repeated calls for the same ordered input list from the
// cache, invoking the underlying embedder at most once per distinct list.
func (c *Caching) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	key := fingerprint(texts)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	vectors, err := c.inner.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, taxonomy.NewProviderError(
			fmt.Sprintf("embedder %s: got %d vectors for %d texts", c.inner.ID(), len(vectors), len(texts)), 0, nil)
	}
	dims := c.inner.Dims()
	for i, v := range vectors {
		if len(v) != dims {
			return nil, taxonomy.NewProviderError(
				fmt.Sprintf("embedder %s: vector %d has %d dims, want %d", c.inner.ID(), i, len(v), dims), 0, nil)
		}
	}

	c.mu.Lock()
	c.cache[key] = vectors
	c.mu.Unlock()
	return vectors, nil
}
