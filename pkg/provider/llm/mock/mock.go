// Package mock is an in-memory [llm.Provider] for tests. Set the response
// fields before use; read the call slices after.
package mock

import (
	"context"
	"sync"

	"github.com/helixdesk/cortex/pkg/provider/llm"
	"github.com/helixdesk/cortex/pkg/types"
)

// Provider answers from canned fields and records every request it sees.
// Zero value is usable: methods return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks are emitted in order on the stream channel, which is
	// then closed. StreamErr instead fails the stream before it opens.
	StreamChunks []llm.Chunk
	StreamErr    error

	// CompleteResponse and CompleteErr are returned verbatim by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are returned verbatim by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// Requests seen, in call order.
	StreamCalls      []llm.CompletionRequest
	CompleteCalls    []llm.CompletionRequest
	CountTokensCalls [][]types.Message
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	return p.CompleteResponse, p.CompleteErr
}

func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, append([]types.Message(nil), messages...))
	return p.TokenCount, p.CountTokensErr
}

func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}
