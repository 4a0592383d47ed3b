// Package mock is an in-memory [embeddings.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/helixdesk/cortex/pkg/provider/embeddings"
)

// Provider answers from canned fields and records the texts it was asked to
// embed. Zero value is usable.
type Provider struct {
	mu sync.Mutex

	// EmbedResult and EmbedErr are returned verbatim by Embed.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult is returned by EmbedBatch; when nil, the batch comes
	// back as one nil vector per input so lengths still line up.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	// DimensionsValue and ModelIDValue back the metadata accessors.
	DimensionsValue int
	ModelIDValue    string

	// Texts seen, in call order.
	EmbedCalls      []string
	EmbedBatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	return p.EmbedResult, p.EmbedErr
}

func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, append([]string(nil), texts...))
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}
