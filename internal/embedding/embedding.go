// Package embedding generates vector embeddings for memory retrieval.
//
// The engine ranks memories structurally (confidence, recency, condition
// match) and adds semantic similarity on top when an embedding provider
// is configured. The Provider interface keeps the ranking code ignorant
// of which backend produced the vectors.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// NoopProvider returns zero vectors. Used when no embedding backend is
// configured; ranking then degrades to the structural signals only.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}
