package analytics

import (
	"context"
	"log/slog"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/helixdesk/cortex/internal/store"
	storemock "github.com/helixdesk/cortex/internal/store/mock"
)

func TestRecordQueryPersists(t *testing.T) {
	backend := &storemock.Backend{}
	r := NewRecorder(backend)

	r.RecordQuery(store.QueryRecord{
		ID: "q1", UserEmail: "a@x.test", TenantID: "acme", SessionID: "s1",
		QueryText: "how do I reset my password", Status: store.QueryCompleted,
		CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	if len(backend.QueryRecords) != 1 {
		t.Fatalf("persisted %d records, want 1", len(backend.QueryRecords))
	}
	if backend.QueryRecords[0].QueryPosition != 1 {
		t.Errorf("QueryPosition = %d, want 1", backend.QueryRecords[0].QueryPosition)
	}
}

func TestRepeatDetection(t *testing.T) {
	earlier := time.Now().Add(-30 * time.Second)
	backend := &storemock.Backend{
		RecentResult: []store.QueryRecord{
			{ID: "q0", QueryText: "How do I reset my password?", CreatedAt: earlier},
		},
	}
	r := NewRecorder(backend)

	r.RecordQuery(store.QueryRecord{
		ID: "q1", UserEmail: "a@x.test", SessionID: "s1",
		QueryText: "how do I reset my password", Status: store.QueryCompleted,
		CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	rec := backend.QueryRecords[0]
	if !rec.IsRepeat || rec.RepeatOf != "q0" {
		t.Errorf("IsRepeat=%v RepeatOf=%q, want repeat of q0", rec.IsRepeat, rec.RepeatOf)
	}
	if rec.QueryPosition != 2 {
		t.Errorf("QueryPosition = %d, want 2", rec.QueryPosition)
	}
	if rec.TimeSinceLastQueryMs <= 0 {
		t.Errorf("TimeSinceLastQueryMs = %d, want > 0", rec.TimeSinceLastQueryMs)
	}
}

func TestDistinctQueryIsNotRepeat(t *testing.T) {
	backend := &storemock.Backend{
		RecentResult: []store.QueryRecord{
			{ID: "q0", QueryText: "where is the cafeteria", CreatedAt: time.Now()},
		},
	}
	r := NewRecorder(backend)

	r.RecordQuery(store.QueryRecord{
		ID: "q1", UserEmail: "a@x.test", SessionID: "s1",
		QueryText: "how do I submit an expense report", Status: store.QueryCompleted,
		CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	if backend.QueryRecords[0].IsRepeat {
		t.Error("distinct query marked as repeat")
	}
}

func TestQueryTextTruncated(t *testing.T) {
	backend := &storemock.Backend{}
	r := NewRecorder(backend, WithMaxQueryText(10))

	r.RecordQuery(store.QueryRecord{
		ID: "q1", UserEmail: "a@x.test", SessionID: "s1",
		QueryText: "this text is much longer than ten characters",
		Status:    store.QueryCompleted, CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	if got := backend.QueryRecords[0].QueryText; len(got) != 10 {
		t.Errorf("stored text %q, want 10 chars", got)
	}
}

func TestQueryPositionIncreasesBeyondLookback(t *testing.T) {
	// A long session: the lookback window is full, and the newest prior
	// record already sits past the window size.
	prior := make([]store.QueryRecord, repeatLookback)
	for i := range prior {
		prior[i] = store.QueryRecord{
			ID:            string(rune('a' + i)),
			QueryText:     "unrelated earlier question",
			QueryPosition: 12 - i,
			CreatedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
		}
	}
	backend := &storemock.Backend{RecentResult: prior}
	r := NewRecorder(backend)

	r.RecordQuery(store.QueryRecord{
		ID: "q13", UserEmail: "a@x.test", SessionID: "s1",
		QueryText: "where do I find the org chart", Status: store.QueryCompleted,
		CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	if got := backend.QueryRecords[0].QueryPosition; got != 13 {
		t.Errorf("QueryPosition = %d, want 13", got)
	}
}

func TestQueryTextTruncatedOnRuneBoundary(t *testing.T) {
	backend := &storemock.Backend{}
	r := NewRecorder(backend, WithMaxQueryText(10))

	// The é occupies bytes 9-10, so the cap lands in the middle of it.
	r.RecordQuery(store.QueryRecord{
		ID: "q1", UserEmail: "a@x.test", SessionID: "s1",
		QueryText: "query abcé and more",
		Status:    store.QueryCompleted, CreatedAt: time.Now(),
	})
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	got := backend.QueryRecords[0].QueryText
	if !utf8.ValidString(got) {
		t.Errorf("stored text %q is not valid UTF-8", got)
	}
	if got != "query abc" {
		t.Errorf("stored text %q, want %q", got, "query abc")
	}
}

func TestOverflowDropsEventsNeverRecords(t *testing.T) {
	backend := &storemock.Backend{}
	r := &Recorder{
		backend:      backend,
		log:          slog.Default(),
		maxQueryText: defaultMaxQueryText,
		queueCap:     4,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	// No drainer yet; fill the queue beyond capacity first.
	for i := 0; i < 6; i++ {
		r.Event(store.MetricEvent{Kind: store.EventTokenCounts, Value: float64(i)})
	}
	for i := 0; i < 3; i++ {
		r.RecordQuery(store.QueryRecord{
			ID: string(rune('a' + i)), UserEmail: "a@x.test", SessionID: "s1",
			Status: store.QueryCompleted, CreatedAt: time.Now(),
		})
	}

	go r.drain()
	r.Close()

	backend.Mu.Lock()
	defer backend.Mu.Unlock()
	if len(backend.QueryRecords) != 3 {
		t.Errorf("persisted %d records, want all 3", len(backend.QueryRecords))
	}
	if len(backend.Events) >= 6 {
		t.Errorf("persisted %d events, want some dropped", len(backend.Events))
	}
}

func TestEventMirroredToSink(t *testing.T) {
	backend := &storemock.Backend{}
	sink := &captureSink{}
	r := NewRecorder(backend, WithMetricsSink(sink))

	r.Event(store.MetricEvent{Kind: store.EventLLMLatency, Value: 120})
	r.Close()

	if len(sink.events) != 1 || sink.events[0].Kind != store.EventLLMLatency {
		t.Errorf("sink saw %v, want one llm_latency event", sink.events)
	}
}

type captureSink struct {
	events []store.MetricEvent
}

func (c *captureSink) ObserveEvent(ev store.MetricEvent) {
	c.events = append(c.events, ev)
}

func TestReaderAggregate(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	backend := &storemock.Backend{
		SinceResult: []store.QueryRecord{
			{ID: "q1", UserEmail: "a@x.test", Status: store.QueryCompleted, Category: "procedural", Intent: "ACTION", Urgency: "LOW", Complexity: 0.2, InferredDept: "it", ResponseTimeMs: 100, CreatedAt: now},
			{ID: "q2", UserEmail: "b@x.test", Status: store.QueryCompleted, Category: "procedural", Intent: "INFO_SEEK", Urgency: "HIGH", Complexity: 0.5, InferredDept: "it", ResponseTimeMs: 300, IsRepeat: true, CreatedAt: now.Add(time.Hour)},
			{ID: "q3", UserEmail: "a@x.test", Status: store.QueryFailed, Category: "troubleshooting", Intent: "ACTION", Urgency: "URGENT", Complexity: 0.8, InferredDept: "hr", ResponseTimeMs: 50, CreatedAt: now.Add(2 * time.Hour)},
		},
	}
	reader := NewReader(backend)

	report, err := reader.Aggregate(context.Background(), "acme", 24)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	ov := report.Overview
	if ov.TotalQueries != 3 || ov.UniqueUsers != 2 {
		t.Errorf("overview = %+v", ov)
	}
	if ov.ErrorRate < 0.33 || ov.ErrorRate > 0.34 {
		t.Errorf("ErrorRate = %f, want 1/3", ov.ErrorRate)
	}
	if report.Categories["procedural"] != 2 {
		t.Errorf("categories = %v", report.Categories)
	}
	if report.Complexity.Low != 1 || report.Complexity.Medium != 1 || report.Complexity.High != 1 {
		t.Errorf("complexity buckets = %+v", report.Complexity)
	}
	if len(report.RecentErrors) != 1 || report.RecentErrors[0].QueryID != "q3" {
		t.Errorf("recent errors = %v", report.RecentErrors)
	}
	if len(report.ByHour) != 3 {
		t.Errorf("by hour = %v", report.ByHour)
	}
	if report.Departments["it"] != 2 {
		t.Errorf("departments = %v", report.Departments)
	}
}
