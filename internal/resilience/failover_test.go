package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helixdesk/cortex/pkg/provider/llm"
	llmmock "github.com/helixdesk/cortex/pkg/provider/llm/mock"
	"github.com/helixdesk/cortex/pkg/types"
)

func chain(primary, secondary llm.Provider, breaker BreakerConfig) *Failover {
	f := NewFailover(primary, "primary", FailoverConfig{Breaker: breaker})
	if secondary != nil {
		f.Add("secondary", secondary)
	}
	return f
}

func TestFailoverPrefersPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
	f := chain(primary, secondary, BreakerConfig{})

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want the primary's answer", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestFailoverMovesDownTheChain(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
	f := chain(primary, secondary, BreakerConfig{})

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want the fallback's answer", resp.Content)
	}
}

func TestFailoverAllBackendsDown(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}
	f := chain(primary, secondary, BreakerConfig{})

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailoverSkipsTrippedBreaker(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	f := chain(primary, secondary, BreakerConfig{Threshold: 2, Cooldown: time.Hour})

	for i := 0; i < 4; i++ {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Two failures trip the primary's breaker; later calls must not touch it.
	if calls := len(primary.CompleteCalls); calls != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker tripped", calls)
	}
	if calls := len(secondary.CompleteCalls); calls != 4 {
		t.Errorf("secondary called %d times, want 4", calls)
	}
}

func TestFailoverStream(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("stream refused")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "one"}, {Text: "two", FinishReason: "stop"}},
	}
	f := chain(primary, secondary, BreakerConfig{})

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var got []llm.Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 2 || got[0].Text != "one" {
		t.Errorf("chunks = %+v, want the fallback's stream", got)
	}
}

func TestFailoverCountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("tokenizer down")}
	secondary := &llmmock.Provider{TokenCount: 42}
	f := chain(primary, secondary, BreakerConfig{})

	n, err := f.CountTokens([]types.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
}

func TestFailoverCapabilitiesAreThePrimarys(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 128000, SupportsToolCalling: true},
	}
	f := chain(primary, &llmmock.Provider{}, BreakerConfig{})

	caps := f.Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsToolCalling {
		t.Errorf("capabilities = %+v, want the primary's", caps)
	}
}
