// Package analytics records query analytics and serves aggregate read APIs.
//
// The recorder decouples the request hot path from storage: callers enqueue
// and return immediately; a single background drainer enriches and persists.
// Metric events are best-effort and dropped oldest-first under load; query
// records are never dropped.
package analytics

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/helixdesk/cortex/internal/store"
)

const (
	defaultQueueCap     = 1024
	defaultMaxQueryText = 500

	// repeatSimilarity is the Jaro-Winkler threshold above which two queries
	// in one session count as repeats.
	repeatSimilarity = 0.9

	// repeatLookback bounds how many prior session queries are compared.
	repeatLookback = 10
)

// MetricsSink mirrors drained metric events into live instruments. Optional.
type MetricsSink interface {
	ObserveEvent(ev store.MetricEvent)
}

// Recorder is the write side of analytics. Create with [NewRecorder]; Close
// drains the queue before returning.
type Recorder struct {
	backend store.Backend
	sink    MetricsSink
	log     *slog.Logger

	maxQueryText int
	queueCap     int

	mu      sync.Mutex
	queue   []item
	wake    chan struct{}
	closing bool

	done chan struct{}
}

// item is one queued write: exactly one of record/event is set.
type item struct {
	record *store.QueryRecord
	event  *store.MetricEvent
}

// RecorderOption configures the recorder.
type RecorderOption func(*Recorder)

// WithQueueCapacity bounds the pending write queue.
func WithQueueCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueCap = n
		}
	}
}

// WithMaxQueryText caps the stored query text length.
func WithMaxQueryText(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.maxQueryText = n
		}
	}
}

// WithMetricsSink mirrors metric events into sink.
func WithMetricsSink(sink MetricsSink) RecorderOption {
	return func(r *Recorder) { r.sink = sink }
}

// WithRecorderLogger sets the structured logger.
func WithRecorderLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRecorder creates a recorder over backend and starts its drainer.
func NewRecorder(backend store.Backend, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		backend:      backend,
		log:          slog.Default(),
		maxQueryText: defaultMaxQueryText,
		queueCap:     defaultQueueCap,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// RecordQuery enqueues rec for persistence and returns immediately. Records
// are never dropped: when the queue is full, the oldest metric events are
// evicted to make room; a queue full of records grows past its cap rather
// than lose one.
func (r *Recorder) RecordQuery(rec store.QueryRecord) {
	rec.QueryText = truncateText(rec.QueryText, r.maxQueryText)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		// Late record during shutdown; write synchronously so it is not lost.
		go r.persistRecord(rec)
		return
	}
	if len(r.queue) >= r.queueCap {
		r.evictOldestEventLocked()
	}
	r.queue = append(r.queue, item{record: &rec})
	r.wakeLocked()
}

// Event enqueues a metric event. Best-effort: on a full queue the oldest
// event is dropped, and if no event can be evicted the new one is discarded.
func (r *Recorder) Event(ev store.MetricEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	if len(r.queue) >= r.queueCap && !r.evictOldestEventLocked() {
		return
	}
	r.queue = append(r.queue, item{event: &ev})
	r.wakeLocked()
}

// evictOldestEventLocked removes the oldest queued event, returning false
// when the queue holds only records. Caller holds r.mu.
func (r *Recorder) evictOldestEventLocked() bool {
	for i, it := range r.queue {
		if it.event != nil {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.log.Debug("metric event dropped under load")
			return true
		}
	}
	return false
}

func (r *Recorder) wakeLocked() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops intake and drains everything already queued.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closing = true
	r.mu.Unlock()

	r.wakeLocked()
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		closing := r.closing
		r.mu.Unlock()

		for _, it := range batch {
			switch {
			case it.record != nil:
				r.persistRecord(*it.record)
			case it.event != nil:
				r.persistEvent(*it.event)
			}
		}

		if closing {
			r.mu.Lock()
			empty := len(r.queue) == 0
			r.mu.Unlock()
			if empty {
				return
			}
			continue
		}
		<-r.wake
	}
}

// persistRecord enriches rec with session-derived fields and writes it.
// Enrichment happens here, off the hot path, because it needs a session read.
func (r *Recorder) persistRecord(rec store.QueryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.enrich(ctx, &rec)

	if err := r.backend.RecordQuery(ctx, rec); err != nil {
		r.log.Error("query record write failed", "query", rec.ID, "error", err)
	}
}

func (r *Recorder) persistEvent(ev store.MetricEvent) {
	if r.sink != nil {
		r.sink.ObserveEvent(ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.backend.RecordEvent(ctx, ev); err != nil {
		r.log.Warn("metric event write failed", "kind", ev.Kind, "error", err)
	}
}

// enrich fills session position, inter-query gap, and repeat detection from
// the session's prior records.
func (r *Recorder) enrich(ctx context.Context, rec *store.QueryRecord) {
	prior, err := r.backend.RecentQueries(ctx, rec.UserEmail, rec.SessionID, repeatLookback)
	if err != nil {
		r.log.Warn("session lookback failed", "session", rec.SessionID, "error", err)
		if rec.QueryPosition == 0 {
			rec.QueryPosition = 1
		}
		return
	}

	// Position comes from the newest prior record, not the lookback length:
	// the lookback is capped, so counting it would pin long sessions at the
	// cap instead of increasing strictly.
	rec.QueryPosition = len(prior) + 1
	if len(prior) > 0 && prior[0].QueryPosition >= len(prior) {
		rec.QueryPosition = prior[0].QueryPosition + 1
	}
	if len(prior) > 0 {
		rec.TimeSinceLastQueryMs = rec.CreatedAt.Sub(prior[0].CreatedAt).Milliseconds()
	}

	if repeatOf, ok := findRepeat(rec.QueryText, prior); ok {
		rec.IsRepeat = true
		rec.RepeatOf = repeatOf
	}
}

// findRepeat returns the id of the most recent prior query whose text is
// near-identical to text.
func findRepeat(text string, prior []store.QueryRecord) (string, bool) {
	norm := normalizeQuery(text)
	if norm == "" {
		return "", false
	}
	for _, p := range prior {
		if matchr.JaroWinkler(norm, normalizeQuery(p.QueryText), true) >= repeatSimilarity {
			return p.ID, true
		}
	}
	return "", false
}

func normalizeQuery(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// truncateText caps s at max bytes without splitting a UTF-8 sequence.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
