// Package pipeline runs one user query through the cognitive state machine:
// resolve the caller's context, retrieve passages, assemble the prompt,
// stream the completion, and finalize the analytics record.
//
// Streamed tokens are forwarded within a small coalescing window. Mid-stream
// the assistant may emit bracketed action tags; the pipeline suspends
// forwarding, runs the named storage lookup under the caller's scopes, and
// re-injects the result into the ongoing completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/heuristics"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/memory"
	"github.com/helixdesk/cortex/internal/retrieval"
	"github.com/helixdesk/cortex/internal/store"
	"github.com/helixdesk/cortex/internal/tenant"
	"github.com/helixdesk/cortex/pkg/provider/llm"
	"github.com/helixdesk/cortex/pkg/types"
)

// Config tunes the pipeline. The zero value is completed with defaults.
type Config struct {
	// RetrieveTimeout is the wall-clock cap on the retrieval step. Default 2s.
	RetrieveTimeout time.Duration

	// FirstTokenTimeout caps the wait for the first streamed token. Default 10s.
	FirstTokenTimeout time.Duration

	// IdleTimeout caps the gap between streamed tokens. Default 30s.
	IdleTimeout time.Duration

	// CoalesceWindow bounds token batching before forwarding. Default 25ms.
	CoalesceWindow time.Duration

	// MaxToolCalls caps mid-stream action invocations per query. Default 4.
	MaxToolCalls int

	// PassageTokenBudget bounds the prompt context section. Default 2000.
	PassageTokenBudget int

	// ToolTimeout caps one mid-stream action invocation. Default 5s.
	ToolTimeout time.Duration

	// ToolResultK is the per-action result count. Default 5.
	ToolResultK int

	// ToolMinScore is the similarity floor for action vector lookups. Default 0.5.
	ToolMinScore float64

	Temperature float64
	MaxTokens   int
	ModelID     string
}

func (c Config) withDefaults() Config {
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = 2 * time.Second
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 25 * time.Millisecond
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 4
	}
	if c.PassageTokenBudget <= 0 {
		c.PassageTokenBudget = 2000
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 5 * time.Second
	}
	if c.ToolResultK <= 0 {
		c.ToolResultK = 5
	}
	if c.ToolMinScore <= 0 {
		c.ToolMinScore = 0.5
	}
	return c
}

// Sink receives the per-query output frames. Implementations must not block;
// a disconnected caller is signalled through context cancellation instead.
type Sink interface {
	// Token delivers a coalesced batch of response text.
	Token(text string)

	// Trace reports a pipeline step for client-side debugging.
	Trace(step string, data map[string]any)

	// Citations delivers the passages the prompt was grounded on.
	Citations(passages []retrieval.Passage)
}

// Retriever is the slice of the retrieval layer the pipeline needs.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

// Recorder is the slice of the analytics write surface the pipeline needs.
type Recorder interface {
	RecordQuery(rec store.QueryRecord)
	Event(ev store.MetricEvent)
}

// MemoryWriter enqueues completed exchanges for persistence.
type MemoryWriter interface {
	Enqueue(ex memory.Exchange)
}

// PatternDetector classifies the session's querying behavior.
type PatternDetector interface {
	Detect(ctx context.Context, userEmail, sessionID string) (heuristics.SessionPattern, error)
}

// Query is one inbound chat message with its resolved caller context.
type Query struct {
	Principal identity.Principal
	Tenant    tenant.Profile

	SessionID      string
	ConversationID string

	Text string

	// DeptOverride narrows retrieval to one department the caller may read.
	DeptOverride string

	// History is the prior conversation, oldest first.
	History []types.Message
}

// Outcome summarizes a finished query.
type Outcome struct {
	QueryID   string
	Response  string
	Status    store.QueryStatus
	ElapsedMs int64
}

// Pipeline executes queries. Safe for concurrent use.
type Pipeline struct {
	provider  llm.Provider
	retriever Retriever
	tools     *toolbox
	analytics Recorder
	memory    MemoryWriter
	patterns  PatternDetector
	signals   heuristics.DepartmentSignals
	cfg       Config
	log       *slog.Logger
}

// New assembles a pipeline. backend and embedder serve the mid-stream action
// tags; analytics, memWriter, and patterns may be nil to disable those hooks.
func New(provider llm.Provider, retriever Retriever, backend store.Backend, embedder retrieval.Embedder,
	rec Recorder, memWriter MemoryWriter, patterns PatternDetector, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		provider:  provider,
		retriever: retriever,
		tools: &toolbox{
			backend:  backend,
			embedder: embedder,
			resultK:  cfg.ToolResultK,
			minScore: cfg.ToolMinScore,
			log:      log,
		},
		analytics: rec,
		memory:    memWriter,
		patterns:  patterns,
		signals:   heuristics.DefaultDepartmentSignals(),
		cfg:       cfg,
		log:       log,
	}
}

// resolved is the output of the RESOLVE step.
type resolved struct {
	classification heuristics.Classification
	analysis       heuristics.Analysis
	primaryDept    string
	deptScores     map[string]float64

	chunkScope  store.Scope
	memoryScope store.Scope

	effectiveDept string
}

// HandleQuery runs one query to completion, streaming output into sink.
// The returned Outcome is valid even when err is non-nil; a query record is
// written on every path, including cancellation.
func (p *Pipeline) HandleQuery(ctx context.Context, q Query, sink Sink) (Outcome, error) {
	start := time.Now()
	queryID := uuid.NewString()
	p.event(store.MetricEvent{Kind: store.EventQueryStart, QueryID: queryID, TenantID: q.Principal.TenantID})

	rec := store.QueryRecord{
		ID:        queryID,
		UserEmail: q.Principal.Email,
		TenantID:  q.Principal.TenantID,
		SessionID: q.SessionID,
		QueryText: q.Text,
		ModelID:   p.cfg.ModelID,
		CreatedAt: start,
	}

	res, err := p.resolve(q, &rec)
	if err != nil {
		return p.finish(q, &rec, "", start, store.QueryFailed, err)
	}
	sink.Trace("resolve", map[string]any{
		"category": res.classification.Category,
		"intent":   res.analysis.Intent,
		"urgency":  res.analysis.Urgency,
		"dept":     res.effectiveDept,
	})

	passages := p.retrieve(ctx, q, res, &rec, sink)

	systemPrompt, kept := buildSystemPrompt(personaFor(q.Tenant), passages, p.cfg.PassageTokenBudget)
	sink.Citations(kept)

	req := llm.CompletionRequest{
		Messages:     append(append([]types.Message{}, q.History...), types.Message{Role: "user", Content: q.Text}),
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		SystemPrompt: systemPrompt,
	}

	response, streamErr := p.stream(ctx, req, res, q.Text, &rec, sink)

	switch {
	case streamErr == nil:
		return p.finish(q, &rec, response, start, store.QueryCompleted, nil)
	case errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, fault.ErrQueryCanceled):
		return p.finish(q, &rec, response, start, store.QueryCanceled, fault.ErrQueryCanceled)
	case response == "":
		return p.finish(q, &rec, response, start, store.QueryFailed, streamErr)
	default:
		return p.finish(q, &rec, response, start, store.QueryFailedMidstream, streamErr)
	}
}

// resolve runs the cheap classifiers and derives the retrieval scopes.
// It performs no I/O.
func (p *Pipeline) resolve(q Query, rec *store.QueryRecord) (resolved, error) {
	var res resolved

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.classification = heuristics.Classify(q.Text)
	}()
	go func() {
		defer wg.Done()
		res.analysis = heuristics.Analyze(q.Text)
	}()
	wg.Wait()

	res.primaryDept, res.deptScores = heuristics.InferDepartment(q.Text, res.classification.Keywords, p.signals)

	depts := q.Principal.Departments
	if q.Principal.IsSuperUser && len(depts) == 0 {
		depts = q.Tenant.DepartmentSlugs()
	}
	if q.DeptOverride != "" {
		if !identity.CanReadDepartment(q.Principal, q.DeptOverride) {
			return res, fmt.Errorf("%w: department %q", fault.ErrForbidden, q.DeptOverride)
		}
		depts = []string{q.DeptOverride}
	}

	if q.Tenant.Consumer {
		res.chunkScope = store.TenantScope(q.Principal.TenantID)
		res.memoryScope = store.UserScope(q.Principal.UserID)
	} else {
		res.chunkScope = store.DepartmentScope(q.Principal.TenantID, depts)
		res.memoryScope = store.TenantScope(q.Principal.TenantID)
	}

	res.effectiveDept = q.DeptOverride
	if res.effectiveDept == "" {
		res.effectiveDept = res.primaryDept
	}

	rec.Category = res.classification.Category
	rec.Keywords = res.classification.Keywords
	rec.FrustrationSignals = res.classification.FrustrationSignals
	rec.Complexity = res.analysis.Complexity
	rec.Intent = res.analysis.Intent
	rec.Specificity = res.analysis.Specificity
	rec.Urgency = res.analysis.Urgency
	rec.MultiPart = res.analysis.MultiPart
	rec.InferredDept = res.primaryDept
	rec.DeptScores = res.deptScores
	rec.DepartmentID = res.effectiveDept
	return res, nil
}

// retrieve runs the dual retriever and the session pattern lookup under the
// retrieval deadline. Failures degrade to an empty passage list.
func (p *Pipeline) retrieve(ctx context.Context, q Query, res resolved, rec *store.QueryRecord, sink Sink) []retrieval.Passage {
	retStart := time.Now()
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RetrieveTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		result  retrieval.Result
		retErr  error
		pattern heuristics.SessionPattern
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, retErr = p.retriever.Retrieve(rctx, retrieval.Request{
			Query:       q.Text,
			ChunkScope:  res.chunkScope,
			MemoryScope: res.memoryScope,
			Intent:      res.analysis.Intent,
		})
	}()
	if p.patterns != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pat, err := p.patterns.Detect(rctx, q.Principal.Email, q.SessionID)
			if err == nil {
				pattern = pat
			}
		}()
	}
	wg.Wait()

	rec.RetrievalMs = time.Since(retStart).Milliseconds()
	rec.SessionPattern = pattern.Pattern
	p.event(store.MetricEvent{
		Kind: store.EventRetrievalLatency, QueryID: rec.ID, TenantID: rec.TenantID,
		Value: float64(rec.RetrievalMs),
	})

	if retErr != nil {
		p.log.Warn("retrieval failed, answering without context", "query", rec.ID, "error", retErr)
		sink.Trace("retrieve", map[string]any{"degraded": true, "passages": 0})
		return nil
	}
	sink.Trace("retrieve", map[string]any{
		"degraded": result.Degraded,
		"passages": len(result.Passages),
		"ms":       rec.RetrievalMs,
	})
	return result.Passages
}

// stream drives the LLM completion, forwarding coalesced tokens and handling
// mid-stream action tags. It returns the accumulated user-visible response;
// on mid-stream failure the partial response comes back with the error.
func (p *Pipeline) stream(ctx context.Context, req llm.CompletionRequest, res resolved, queryText string, rec *store.QueryRecord, sink Sink) (string, error) {
	if p.provider == nil {
		return "", fmt.Errorf("%w: no completion provider configured", fault.ErrInternal)
	}

	var visible strings.Builder
	scanner := &tagScanner{}
	coal := newCoalescer(sink, p.cfg.CoalesceWindow)
	defer coal.flush()

	forward := func(text string) {
		if text == "" {
			return
		}
		visible.WriteString(text)
		coal.write(text)
	}

	firstToken := false
	toolCalls := 0
	streamStart := time.Now()

	for {
		var segment strings.Builder
		rerun, err := p.streamSegment(ctx, req, scanner, forward, &segment, &firstToken, &toolCalls, res, queryText, rec, streamStart, sink)
		if err != nil {
			forward(scanner.Flush())
			return visible.String(), err
		}
		if rerun == nil {
			forward(scanner.Flush())
			return visible.String(), nil
		}
		// Tool invoked: continue the completion with the partial output and
		// the injected result.
		req.Messages = append(req.Messages,
			types.Message{Role: "assistant", Content: segment.String()},
			types.Message{Role: "system", Content: rerun.result},
		)
	}
}

// toolOutcome carries a completed mid-stream action back to the stream loop.
type toolOutcome struct {
	result string
}

// streamSegment consumes one StreamCompletion call until natural finish,
// failure, or the first executed action tag. A non-nil toolOutcome asks the
// caller to restart the completion with the injected result.
func (p *Pipeline) streamSegment(ctx context.Context, req llm.CompletionRequest, scanner *tagScanner,
	forward func(string), segment *strings.Builder, firstToken *bool, toolCalls *int,
	res resolved, queryText string, rec *store.QueryRecord, streamStart time.Time, sink Sink) (*toolOutcome, error) {

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.provider.StreamCompletion(sctx, req)
	if err != nil {
		if !*firstToken {
			return nil, fmt.Errorf("%w: %v", fault.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("completion restart failed: %w", err)
	}

	timeout := p.cfg.FirstTokenTimeout
	if *firstToken {
		timeout = p.cfg.IdleTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)

		case <-timer.C:
			if !*firstToken {
				return nil, fmt.Errorf("%w: no token within %s", fault.ErrProviderUnavailable, timeout)
			}
			return nil, fmt.Errorf("%w: stream idle beyond %s", fault.ErrProviderUnavailable, timeout)

		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil, context.Cause(ctx)
				}
				return nil, nil
			}

			if chunk.Text != "" {
				if !*firstToken {
					*firstToken = true
					rec.LLMFirstTokenMs = time.Since(streamStart).Milliseconds()
					p.event(store.MetricEvent{
						Kind: store.EventLLMLatency, QueryID: rec.ID, TenantID: rec.TenantID,
						Value: float64(rec.LLMFirstTokenMs),
					})
				}
				segment.WriteString(chunk.Text)

				plain, tags := scanner.Feed(chunk.Text)
				forward(plain)

				for _, tag := range tags {
					if *toolCalls >= p.cfg.MaxToolCalls {
						p.log.Debug("action budget exhausted, tag ignored", "query", rec.ID, "action", tag.Name)
						continue
					}
					*toolCalls++
					result := p.runTool(ctx, tag, res, queryText, rec, sink)
					// Suspend this stream; the caller restarts with the result.
					cancel()
					for range ch {
					}
					return &toolOutcome{result: result}, nil
				}
			}

			switch chunk.FinishReason {
			case "":
			case "error":
				if !*firstToken {
					return nil, fmt.Errorf("%w: stream error before first token", fault.ErrProviderUnavailable)
				}
				return nil, fmt.Errorf("%w: stream failed mid-response", fault.ErrProviderUnavailable)
			default:
				// Natural finish; drain and return.
				for range ch {
				}
				return nil, nil
			}

			timer.Stop()
			timer.Reset(p.cfg.IdleTimeout)
		}
	}
}

// runTool executes one action tag under its own timeout. Failures come back
// as a plain unavailability note so the completion can continue.
func (p *Pipeline) runTool(ctx context.Context, tag actionTag, res resolved, queryText string, rec *store.QueryRecord, sink Sink) string {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	out, err := p.tools.run(tctx, tag, res.chunkScope, res.memoryScope, queryText)
	if err != nil {
		p.log.Warn("mid-stream action failed", "query", rec.ID, "action", tag.Name, "error", err)
		sink.Trace("tool", map[string]any{"action": tag.Name, "failed": true})
		return fmt.Sprintf("Result of %s: lookup unavailable, continue without it.", tag.Name)
	}
	sink.Trace("tool", map[string]any{"action": tag.Name})
	return fmt.Sprintf("Result of %s:\n%s", tag.Name, out)
}

// finish writes the query record, emits the terminal events, and feeds the
// memory pipeline. Enqueues are best-effort and never delay the return.
func (p *Pipeline) finish(q Query, rec *store.QueryRecord, response string, start time.Time, status store.QueryStatus, err error) (Outcome, error) {
	rec.Status = status
	rec.ResponseTimeMs = time.Since(start).Milliseconds()

	if p.provider != nil {
		if n, cerr := p.provider.CountTokens([]types.Message{{Role: "user", Content: q.Text}}); cerr == nil && n > 0 {
			rec.InputTokens = n
		}
	}
	if rec.InputTokens == 0 {
		rec.InputTokens = approxTokens(q.Text)
	}
	rec.OutputTokens = approxTokens(response)
	rec.ResponseLength = rec.OutputTokens

	if p.analytics != nil {
		p.analytics.RecordQuery(*rec)
		p.event(store.MetricEvent{
			Kind: store.EventTokenCounts, QueryID: rec.ID, TenantID: rec.TenantID,
			Value: float64(rec.InputTokens + rec.OutputTokens),
		})
		kind := store.EventQueryFinish
		if status != store.QueryCompleted {
			kind = store.EventError
		}
		p.event(store.MetricEvent{
			Kind: kind, QueryID: rec.ID, TenantID: rec.TenantID,
			Value: float64(rec.ResponseTimeMs), Detail: string(status),
		})
	}

	if p.memory != nil && status == store.QueryCompleted {
		ex := memory.Exchange{
			ConversationID:   q.ConversationID,
			SequenceIndex:    len(q.History) / 2,
			HumanContent:     q.Text,
			AssistantContent: response,
			Tags: map[string]string{
				"category": rec.Category,
				"intent":   rec.Intent,
				"urgency":  rec.Urgency,
				"dept":     rec.DepartmentID,
			},
			CreatedAt: start,
		}
		if q.Tenant.Consumer {
			ex.UserID = q.Principal.UserID
		} else {
			ex.TenantID = q.Principal.TenantID
		}
		p.memory.Enqueue(ex)
	}

	return Outcome{
		QueryID:   rec.ID,
		Response:  response,
		Status:    status,
		ElapsedMs: rec.ResponseTimeMs,
	}, err
}

func (p *Pipeline) event(ev store.MetricEvent) {
	if p.analytics != nil {
		p.analytics.Event(ev)
	}
}

func personaFor(profile tenant.Profile) string {
	if s, ok := profile.Extra["persona"].(string); ok {
		return s
	}
	return ""
}

// coalescer batches forwarded text into the configured window so the sink
// sees a bounded frame rate instead of per-token writes.
type coalescer struct {
	sink   Sink
	window time.Duration
	buf    strings.Builder
	since  time.Time
}

const coalesceMaxBytes = 512

func newCoalescer(sink Sink, window time.Duration) *coalescer {
	return &coalescer{sink: sink, window: window}
}

func (c *coalescer) write(text string) {
	if c.buf.Len() == 0 {
		c.since = time.Now()
	}
	c.buf.WriteString(text)
	if time.Since(c.since) >= c.window || c.buf.Len() >= coalesceMaxBytes {
		c.flush()
	}
}

func (c *coalescer) flush() {
	if c.buf.Len() == 0 {
		return
	}
	c.sink.Token(c.buf.String())
	c.buf.Reset()
}
