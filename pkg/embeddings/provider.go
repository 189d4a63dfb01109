// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The slide
// matcher uses these vectors for its semantic signal: slide bodies are
// embedded offline when an index is built, and each final utterance is
// embedded once at match time for cosine comparison against the slide
// matrix. When no provider is configured the semantic signal is disabled
// and the matcher degrades gracefully.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Utterance vectors must never be
// compared against slide vectors produced by a different model; index
// loaders record the model used at build time so this can be checked.
type Provider interface {
	// Embed computes the embedding vector for one text string. Returns a
	// float32 slice of length Dimensions(), or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single call.
	// The returned slice has the same length as texts; the i-th element
	// corresponds to texts[i]. Partial results are not returned — on
	// error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, used for
	// logging and for verifying index/query model agreement.
	ModelID() string
}
