// Package embeddings defines the Provider interface for text-embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The memory module
// embeds extracted user facts on write and query text on recall, then ranks
// facts by cosine distance in pgvector. Backends include the OpenAI embeddings
// API (or any compatible endpoint such as DashScope) and a local Ollama server.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different providers or
// models live in different spaces and must not be compared against each other;
// the memory store records the model ID alongside its index for this reason.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The returned
	// slice has length Dimensions(). Text is passed to the backend verbatim; any
	// model-specific prefixing is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// backend call. The returned slice has the same length as texts with the
	// i-th vector corresponding to texts[i]. On error the entire result is nil;
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. The value is determined by the model and is constant for the
	// lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend-specific model identifier
	// (e.g. "text-embedding-3-small", "text-embedding-v4").
	ModelID() string
}
