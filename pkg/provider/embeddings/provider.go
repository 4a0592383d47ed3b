// Package embeddings abstracts the text-to-vector backends the retrieval
// layer searches with. Implementations must be safe for concurrent use and
// must emit vectors of one fixed dimensionality; vectors from providers with
// different models never share a similarity space.
package embeddings

import "context"

// Provider is one embedding backend.
type Provider interface {
	// Embed maps one text to a vector of length Dimensions(). Text is
	// passed through verbatim; any model-specific prefixing is the
	// caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch maps texts to vectors in one backend call, index for
	// index. No partial results: any failure fails the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length, constant for the provider's
	// lifetime.
	Dimensions() int

	// ModelID names the underlying model, for logging and for checking
	// that stored vectors match the active model.
	ModelID() string
}
