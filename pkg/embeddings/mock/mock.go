// Package mock provides a deterministic test double for the
// embeddings.Provider interface.
//
// Vectors lets tests pin exact vectors per input text; unknown texts fall
// back to a deterministic token-hash vector so that identical texts always
// embed identically and different texts (usually) differ.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/podiumlabs/lectern/pkg/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps input text to the exact vector to return.
	Vectors map[string][]float32

	// Dim is the vector length for hash-derived fallbacks. Defaults to 8.
	Dim int

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// EmbedCalls records every text passed to Embed or EmbedBatch, in order.
	EmbedCalls []string
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Embed returns the pinned or hash-derived vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch returns one vector per input text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dim (default 8).
func (p *Provider) Dimensions() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return 8
}

// ModelID identifies the mock in logs.
func (p *Provider) ModelID() string { return "mock-embed-v1" }

// vector returns the pinned vector for text, or a unit-normalized
// hash-derived one. Must be called with p.mu held.
func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		cp := make([]float32, len(v))
		copy(cp, v)
		return cp
	}

	dim := p.Dim
	if dim <= 0 {
		dim = 8
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	out := make([]float32, dim)
	var norm float64
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(int64(seed>>33)%1000) / 1000
		norm += float64(out[i]) * float64(out[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}
