// Package memory turns completed chat exchanges into persisted memory nodes.
//
// Exchanges are enqueued after each reply and written in FIFO batches: a
// flush fires when the batch reaches its size cap or the interval elapses,
// whichever comes first, and unconditionally on shutdown. Embedding and
// insertion happen off the request path.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixdesk/cortex/internal/store"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultMaxBatch      = 10
	flushTimeout         = 15 * time.Second
)

// Embedder is the slice of the embed client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Exchange is one completed human/assistant turn pair.
type Exchange struct {
	// UserID or TenantID is the memory scope key; set exactly one.
	UserID   string
	TenantID string

	ConversationID string
	SequenceIndex  int

	HumanContent     string
	AssistantContent string

	// Tags carries the heuristic outputs recorded alongside the exchange.
	Tags map[string]string

	CreatedAt time.Time
}

// Pipeline batches exchanges into memory nodes. Create with [New]; Close
// flushes the remaining queue.
type Pipeline struct {
	backend  store.Backend
	embedder Embedder
	log      *slog.Logger

	interval time.Duration
	maxBatch int

	mu      sync.Mutex
	pending []Exchange
	closing bool

	kick chan struct{}
	done chan struct{}
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithFlushInterval overrides the batching interval.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxBatch overrides the batch size cap.
func WithMaxBatch(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBatch = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates the pipeline and starts its flusher.
func New(backend store.Backend, embedder Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:  backend,
		embedder: embedder,
		log:      slog.Default(),
		interval: defaultFlushInterval,
		maxBatch: defaultMaxBatch,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Enqueue schedules an exchange for persistence. Exchanges without a scope
// key or without content are dropped; the store would reject them anyway.
func (p *Pipeline) Enqueue(ex Exchange) {
	if ex.UserID == "" && ex.TenantID == "" {
		p.log.Warn("memory exchange without scope key dropped")
		return
	}
	if strings.TrimSpace(ex.HumanContent) == "" && strings.TrimSpace(ex.AssistantContent) == "" {
		return
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, ex)
	full := len(p.pending) >= p.maxBatch
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// RecordEpisode embeds and persists a conversation episode immediately.
func (p *Pipeline) RecordEpisode(ctx context.Context, ep store.Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}

	text := ep.Summary
	if text == "" {
		text = strings.Join(ep.Messages, "\n")
	}
	vecs, err := p.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		p.log.Warn("episode embedding failed, storing without vector", "error", err)
	} else {
		ep.Embedding = vecs[0]
	}
	return p.backend.InsertEpisode(ctx, ep)
}

// Close flushes pending exchanges and stops the flusher.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closing = true
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.kick:
		}

		for {
			batch := p.takeBatch()
			if len(batch) == 0 {
				break
			}
			p.flush(batch)
		}

		p.mu.Lock()
		closing := p.closing
		p.mu.Unlock()
		if closing {
			return
		}
	}
}

// takeBatch removes up to maxBatch exchanges in FIFO order.
func (p *Pipeline) takeBatch() []Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(len(p.pending), p.maxBatch)
	if n == 0 {
		return nil
	}
	batch := p.pending[:n:n]
	p.pending = p.pending[n:]
	return batch
}

// flush embeds and inserts one batch. A batch-level embedding failure stores
// the nodes without vectors rather than losing the exchanges.
func (p *Pipeline) flush(batch []Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	texts := make([]string, len(batch))
	for i, ex := range batch {
		texts[i] = ex.HumanContent + "\n" + ex.AssistantContent
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.log.Warn("memory batch embedding failed, storing without vectors",
			"size", len(batch), "error", err)
		vecs = make([][]float32, len(batch))
	}

	for i, ex := range batch {
		node := store.MemoryNode{
			ID:               uuid.NewString(),
			UserID:           ex.UserID,
			TenantID:         ex.TenantID,
			ConversationID:   ex.ConversationID,
			SequenceIndex:    ex.SequenceIndex,
			HumanContent:     ex.HumanContent,
			AssistantContent: ex.AssistantContent,
			Source:           "chat",
			Embedding:        vecs[i],
			Tags:             ex.Tags,
			CreatedAt:        ex.CreatedAt,
		}
		if err := p.backend.InsertNode(ctx, node); err != nil {
			p.log.Error("memory node write failed", "conversation", ex.ConversationID, "error", err)
		}
	}
}
