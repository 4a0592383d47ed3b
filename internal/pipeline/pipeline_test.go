package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/memory"
	"github.com/helixdesk/cortex/internal/retrieval"
	"github.com/helixdesk/cortex/internal/store"
	storemock "github.com/helixdesk/cortex/internal/store/mock"
	"github.com/helixdesk/cortex/internal/tenant"
	"github.com/helixdesk/cortex/pkg/provider/llm"
	"github.com/helixdesk/cortex/pkg/types"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

// scriptedProvider plays one chunk script per StreamCompletion call, so tests
// can drive tool re-entry with different continuations.
type scriptedProvider struct {
	mu        sync.Mutex
	scripts   [][]llm.Chunk
	calls     []llm.CompletionRequest
	streamErr error
}

func (s *scriptedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if s.streamErr != nil {
		err := s.streamErr
		s.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	if len(s.scripts) > 0 {
		chunks = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not scripted")
}

func (s *scriptedProvider) CountTokens(messages []types.Message) (int, error) { return 0, nil }

func (s *scriptedProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type retrieverStub struct {
	result retrieval.Result
	err    error
	last   retrieval.Request
}

func (r *retrieverStub) Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error) {
	r.last = req
	return r.result, r.err
}

type recorderStub struct {
	mu      sync.Mutex
	records []store.QueryRecord
	events  []store.MetricEvent
}

func (r *recorderStub) RecordQuery(rec store.QueryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorderStub) Event(ev store.MetricEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type memoryStub struct {
	mu        sync.Mutex
	exchanges []memory.Exchange
}

func (m *memoryStub) Enqueue(ex memory.Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
}

type sinkStub struct {
	mu        sync.Mutex
	tokens    []string
	traces    []string
	citations [][]retrieval.Passage
}

func (s *sinkStub) Token(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, text)
}

func (s *sinkStub) Trace(step string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, step)
}

func (s *sinkStub) Citations(passages []retrieval.Passage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.citations = append(s.citations, passages)
}

func (s *sinkStub) streamed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.tokens, "")
}

func testQuery() Query {
	return Query{
		Principal: identity.Principal{
			UserID: "u1", TenantID: "acme", Email: "alice@acme.test",
			Departments: []string{"it"},
		},
		Tenant:         tenant.Profile{Slug: "acme", DisplayName: "Acme"},
		SessionID:      "sess1",
		ConversationID: "conv1",
		Text:           "How do I reset my password?",
	}
}

type fixture struct {
	provider *scriptedProvider
	backend  *storemock.Backend
	ret      *retrieverStub
	rec      *recorderStub
	mem      *memoryStub
	sink     *sinkStub
	pipe     *Pipeline
}

func newFixture(cfg Config, scripts ...[]llm.Chunk) *fixture {
	f := &fixture{
		provider: &scriptedProvider{scripts: scripts},
		backend:  &storemock.Backend{},
		ret:      &retrieverStub{},
		rec:      &recorderStub{},
		mem:      &memoryStub{},
		sink:     &sinkStub{},
	}
	f.pipe = New(f.provider, f.ret, f.backend, &fixedEmbedder{vec: []float32{1}}, f.rec, f.mem, nil, cfg, nil)
	return f
}

func TestHandleQueryStreamsAndRecords(t *testing.T) {
	f := newFixture(Config{},
		[]llm.Chunk{{Text: "Open settings "}, {Text: "and click reset."}, {FinishReason: "stop"}})
	f.ret.result = retrieval.Result{Passages: []retrieval.Passage{{
		Source: retrieval.SourceChunk,
		Chunk:  &store.DocumentChunk{ID: "c1", Content: "Password resets happen in settings."},
		Score:  0.9,
	}}}

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if out.Status != store.QueryCompleted {
		t.Errorf("status = %s, want COMPLETED", out.Status)
	}
	if out.Response != "Open settings and click reset." {
		t.Errorf("response = %q", out.Response)
	}
	if got := f.sink.streamed(); got != out.Response {
		t.Errorf("streamed %q, want the full response", got)
	}

	if len(f.rec.records) != 1 {
		t.Fatalf("recorded %d queries, want 1", len(f.rec.records))
	}
	rec := f.rec.records[0]
	if rec.Status != store.QueryCompleted || rec.Category == "" || rec.Intent == "" {
		t.Errorf("record missing heuristics: %+v", rec)
	}
	if rec.InputTokens == 0 || rec.OutputTokens == 0 {
		t.Errorf("token approximations missing: in=%d out=%d", rec.InputTokens, rec.OutputTokens)
	}
	if rec.ResponseLength != rec.OutputTokens {
		t.Errorf("ResponseLength = %d, want token-equivalents (%d), not bytes (%d)",
			rec.ResponseLength, rec.OutputTokens, len(out.Response))
	}

	if len(f.mem.exchanges) != 1 {
		t.Fatalf("enqueued %d exchanges, want 1", len(f.mem.exchanges))
	}
	if f.mem.exchanges[0].TenantID != "acme" || f.mem.exchanges[0].UserID != "" {
		t.Errorf("enterprise memory scope = %+v, want tenant-keyed", f.mem.exchanges[0])
	}

	if len(f.sink.citations) != 1 || len(f.sink.citations[0]) != 1 {
		t.Errorf("citations = %v, want the retrieved passage", f.sink.citations)
	}
}

func TestConsumerModeScopesMemoryToUser(t *testing.T) {
	f := newFixture(Config{}, []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}})

	q := testQuery()
	q.Tenant.Consumer = true
	if _, err := f.pipe.HandleQuery(context.Background(), q, f.sink); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	if f.ret.last.MemoryScope.UserID != "u1" || f.ret.last.MemoryScope.TenantID != "" {
		t.Errorf("memory scope = %+v, want user-keyed", f.ret.last.MemoryScope)
	}
	if f.mem.exchanges[0].UserID != "u1" || f.mem.exchanges[0].TenantID != "" {
		t.Errorf("consumer memory scope = %+v, want user-keyed", f.mem.exchanges[0])
	}
}

func TestMidStreamToolReentry(t *testing.T) {
	f := newFixture(Config{},
		[]llm.Chunk{{Text: "Let me check "}, {Text: `[GREP term="vpn"]`}},
		[]llm.Chunk{{Text: "The VPN guide says to reinstall."}, {FinishReason: "stop"}})
	f.backend.KeywordChunks = []store.ScoredChunk{{
		Chunk: store.DocumentChunk{SectionTitle: "VPN", Content: "reinstall the client"},
		Score: 0.7,
	}}

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if out.Response != "Let me check The VPN guide says to reinstall." {
		t.Errorf("response = %q", out.Response)
	}
	if strings.Contains(f.sink.streamed(), "[GREP") {
		t.Error("tag text leaked to the caller")
	}
	if f.provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want restart after tool", f.provider.callCount())
	}

	second := f.provider.calls[1]
	n := len(second.Messages)
	if n < 3 {
		t.Fatalf("continuation has %d messages, want partial + tool result appended", n)
	}
	assistant, system := second.Messages[n-2], second.Messages[n-1]
	if assistant.Role != "assistant" || !strings.Contains(assistant.Content, `[GREP term="vpn"]`) {
		t.Errorf("partial assistant message = %+v", assistant)
	}
	if system.Role != "system" || !strings.Contains(system.Content, "reinstall the client") {
		t.Errorf("injected result = %+v", system)
	}

	foundSearch := false
	for _, c := range f.backend.Calls {
		if c == "KeywordSearchChunks" {
			foundSearch = true
		}
	}
	if !foundSearch {
		t.Error("backend keyword search never invoked")
	}
}

func TestToolBudgetExhaustedIgnoresFurtherTags(t *testing.T) {
	f := newFixture(Config{MaxToolCalls: 1},
		[]llm.Chunk{{Text: `[GREP term="first"]`}},
		[]llm.Chunk{{Text: `done [VECTOR q="second"]`}, {FinishReason: "stop"}})

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if f.provider.callCount() != 2 {
		t.Errorf("provider called %d times, want 2 (no restart for ignored tag)", f.provider.callCount())
	}
	if strings.Contains(out.Response, "VECTOR") {
		t.Errorf("ignored tag leaked into response: %q", out.Response)
	}
	searches := 0
	for _, c := range f.backend.Calls {
		if c == "KeywordSearchChunks" || c == "VectorSearchChunks" {
			searches++
		}
	}
	if searches != 1 {
		t.Errorf("ran %d searches, want exactly the budgeted one", searches)
	}
}

func TestStreamErrorBeforeFirstToken(t *testing.T) {
	f := newFixture(Config{}, []llm.Chunk{{FinishReason: "error"}})

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if !errors.Is(err, fault.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if out.Status != store.QueryFailed {
		t.Errorf("status = %s, want FAILED", out.Status)
	}
	if len(f.rec.records) != 1 || f.rec.records[0].Status != store.QueryFailed {
		t.Errorf("records = %+v, want one FAILED record", f.rec.records)
	}
	if len(f.mem.exchanges) != 0 {
		t.Error("failed query must not reach memory")
	}
}

func TestMidStreamFailureKeepsPartial(t *testing.T) {
	f := newFixture(Config{}, []llm.Chunk{{Text: "partial answer "}, {FinishReason: "error"}})

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if err == nil {
		t.Fatal("want error on mid-stream failure")
	}
	if out.Status != store.QueryFailedMidstream {
		t.Errorf("status = %s, want FAILED_MIDSTREAM", out.Status)
	}
	if out.Response != "partial answer " {
		t.Errorf("response = %q, want the partial text", out.Response)
	}
	if f.rec.records[0].ResponseLength != approxTokens("partial answer ") {
		t.Errorf("recorded length = %d, want token-equivalents of the partial text",
			f.rec.records[0].ResponseLength)
	}
}

func TestCancellationRecordsCanceled(t *testing.T) {
	f := newFixture(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.pipe.HandleQuery(ctx, testQuery(), f.sink)
	if !errors.Is(err, fault.ErrQueryCanceled) {
		t.Errorf("err = %v, want ErrQueryCanceled", err)
	}
	if out.Status != store.QueryCanceled {
		t.Errorf("status = %s, want CANCELED", out.Status)
	}
	if len(f.rec.records) != 1 || f.rec.records[0].Status != store.QueryCanceled {
		t.Errorf("records = %+v, want one CANCELED record", f.rec.records)
	}
	if len(f.mem.exchanges) != 0 {
		t.Error("canceled query must not reach memory")
	}
}

func TestDeptOverrideForbidden(t *testing.T) {
	f := newFixture(Config{}, []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}})

	q := testQuery()
	q.DeptOverride = "finance"
	out, err := f.pipe.HandleQuery(context.Background(), q, f.sink)
	if !errors.Is(err, fault.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if out.Status != store.QueryFailed {
		t.Errorf("status = %s, want FAILED", out.Status)
	}
	if f.provider.callCount() != 0 {
		t.Error("provider must not be called for a forbidden department")
	}
}

func TestRetrievalFailureDegrades(t *testing.T) {
	f := newFixture(Config{}, []llm.Chunk{{Text: "best effort answer"}, {FinishReason: "stop"}})
	f.ret.err = fault.ErrRetrievalFailed

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if err != nil {
		t.Fatalf("HandleQuery: %v, retrieval failure must not be fatal", err)
	}
	if out.Status != store.QueryCompleted {
		t.Errorf("status = %s, want COMPLETED", out.Status)
	}
	if out.Response != "best effort answer" {
		t.Errorf("response = %q", out.Response)
	}
}

func TestFirstTokenTimeout(t *testing.T) {
	f := newFixture(Config{FirstTokenTimeout: 30 * time.Millisecond})
	// Replace the provider with one that never emits.
	f.provider.scripts = nil
	hang := &hangingProvider{}
	f.pipe.provider = hang

	out, err := f.pipe.HandleQuery(context.Background(), testQuery(), f.sink)
	if !errors.Is(err, fault.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable on first-token timeout", err)
	}
	if out.Status != store.QueryFailed {
		t.Errorf("status = %s, want FAILED", out.Status)
	}
}

// hangingProvider opens a stream that never produces a chunk.
type hangingProvider struct{}

func (h *hangingProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (h *hangingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("unsupported")
}

func (h *hangingProvider) CountTokens(messages []types.Message) (int, error) { return 0, nil }

func (h *hangingProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

func TestPromptBudgetDropsLowestRanked(t *testing.T) {
	long := strings.Repeat("word ", 200)
	passages := []retrieval.Passage{
		{Source: retrieval.SourceChunk, Chunk: &store.DocumentChunk{ID: "a", Content: long}, Score: 0.9},
		{Source: retrieval.SourceChunk, Chunk: &store.DocumentChunk{ID: "b", Content: long}, Score: 0.8},
		{Source: retrieval.SourceChunk, Chunk: &store.DocumentChunk{ID: "c", Content: long}, Score: 0.7},
	}

	prompt, kept := buildSystemPrompt("persona", passages, 500)
	if len(kept) != 2 {
		t.Fatalf("kept %d passages, want 2 within budget", len(kept))
	}
	if kept[0].Chunk.ID != "a" || kept[1].Chunk.ID != "b" {
		t.Errorf("kept = %v, want highest-ranked first", kept)
	}
	if !strings.Contains(prompt, "persona") {
		t.Error("prompt missing persona")
	}
}
