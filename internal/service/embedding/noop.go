package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// NoopProvider returns zero vectors. Used when no API key is configured,
// so keyword and metadata search keep working without an embedder.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Model returns the noop model identifier.
func (p *NoopProvider) Model() string { return "noop" }

// EmbedBatch returns zero vectors and zero token usage.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, int, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, 0, nil
}
