// Package embed provides the batching, caching embedder client in front of an
// embeddings provider.
//
// Every text is cached on disk by its SHA-256 content hash; hits return
// without touching the provider. Misses join a batching queue that dispatches
// when either the batch size or the latency window is reached, serviced by a
// bounded worker pool. Callers wait on a per-text future; cancelling the
// caller's context abandons the wait but never the in-flight provider call,
// so the result still lands in the cache for the next asker.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/resilience"
	"github.com/helixdesk/cortex/pkg/provider/embeddings"
)

const (
	defaultBatchSize = 32
	defaultWindow    = 25 * time.Millisecond
	defaultWorkers   = 4
)

// Client is the embedder. Create it with [New]; Close releases the background
// goroutines. All methods are safe for concurrent use.
type Client struct {
	provider embeddings.Provider
	cache    *diskCache
	log      *slog.Logger

	batchSize int
	window    time.Duration
	workers   int
	retry     resilience.RetryConfig

	queue chan *request
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// request is one pending text waiting for its vector.
type request struct {
	text string
	hash string
	out  chan result
}

type result struct {
	vec []float32
	err error
}

// Option configures the client.
type Option func(*Client)

// WithBatchSize sets the maximum number of texts per provider call.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithWindow sets the latency budget a partial batch waits before dispatch.
func WithWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithWorkers sets the number of concurrent provider calls.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRetry overrides the backoff applied to provider calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a client over provider with a persistent vector cache under
// cacheDir and starts the batching collector and worker pool.
func New(provider embeddings.Provider, cacheDir string, opts ...Option) (*Client, error) {
	cache, err := newDiskCache(cacheDir, provider.Dimensions())
	if err != nil {
		return nil, err
	}

	c := &Client{
		provider:  provider,
		cache:     cache,
		log:       slog.Default(),
		batchSize: defaultBatchSize,
		window:    defaultWindow,
		workers:   defaultWorkers,
		queue:     make(chan *request, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	batches := make(chan []*request)
	c.wg.Add(1)
	go c.collect(batches)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.work(batches)
	}
	return c, nil
}

// Dimensions returns the provider's fixed vector length.
func (c *Client) Dimensions() int { return c.provider.Dimensions() }

// Embed returns the vector for text, from cache when possible. The ctx bounds
// only this caller's wait; see the package comment for in-flight semantics.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, preserving order. Cached texts are
// served immediately; the rest are enqueued and awaited together.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var pending []*request
	var pendingIdx []int

	for i, text := range texts {
		hash := contentHash(text)
		if vec, ok := c.cache.get(hash); ok {
			out[i] = vec
			continue
		}
		req := &request{text: text, hash: hash, out: make(chan result, 1)}
		pending = append(pending, req)
		pendingIdx = append(pendingIdx, i)
	}

	for _, req := range pending {
		select {
		case c.queue <- req:
		case <-c.done:
			return nil, fault.ErrEmbedderUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for j, req := range pending {
		select {
		case res := <-req.out:
			if res.err != nil {
				return nil, res.err
			}
			out[pendingIdx[j]] = res.vec
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close stops the collector and workers after the queue drains.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// collect gathers queued requests into batches bounded by size and window.
func (c *Client) collect(batches chan<- []*request) {
	defer c.wg.Done()
	defer close(batches)

	var batch []*request
	var timer *time.Timer
	var timeout <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		batches <- batch
		batch = nil
		timeout = nil
	}

	for {
		select {
		case req := <-c.queue:
			batch = append(batch, req)
			if len(batch) >= c.batchSize {
				flush()
				continue
			}
			if timeout == nil {
				timer = time.NewTimer(c.window)
				timeout = timer.C
			}
		case <-timeout:
			flush()
		case <-c.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case req := <-c.queue:
					batch = append(batch, req)
				default:
					flush()
					if timer != nil {
						timer.Stop()
					}
					return
				}
			}
		}
	}
}

// work services dispatched batches until the collector closes the channel.
func (c *Client) work(batches <-chan []*request) {
	defer c.wg.Done()
	for batch := range batches {
		c.runBatch(batch)
	}
}

// runBatch calls the provider once for the whole batch. The call is detached
// from any single caller's context so that late cancellation does not waste
// the provider work for the other waiters.
func (c *Client) runBatch(batch []*request) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	var vecs [][]float32
	err := resilience.Retry(context.Background(), c.retry, func(ctx context.Context) error {
		var callErr error
		vecs, callErr = c.provider.EmbedBatch(ctx, texts)
		return callErr
	})
	if err != nil {
		c.log.Error("embedding batch failed", "size", len(batch), "error", err)
		failure := fmt.Errorf("%w: %v", fault.ErrEmbedderUnavailable, err)
		for _, req := range batch {
			req.out <- result{err: failure}
		}
		return
	}

	for i, req := range batch {
		if putErr := c.cache.put(req.hash, vecs[i]); putErr != nil {
			c.log.Warn("embedding cache write failed", "error", putErr)
		}
		req.out <- result{vec: vecs[i]}
	}
}
