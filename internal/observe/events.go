package observe

import (
	"context"

	"github.com/helixdesk/cortex/internal/analytics"
	"github.com/helixdesk/cortex/internal/store"
)

// EventSink mirrors drained analytics events into live OTel instruments, so
// the Prometheus endpoint and the stored analytics agree on what happened.
type EventSink struct {
	metrics *Metrics
}

var _ analytics.MetricsSink = (*EventSink)(nil)

// NewEventSink creates a sink over m. A nil m uses [DefaultMetrics].
func NewEventSink(m *Metrics) *EventSink {
	if m == nil {
		m = DefaultMetrics()
	}
	return &EventSink{metrics: m}
}

// ObserveEvent implements [analytics.MetricsSink]. Event values carrying
// latencies arrive in milliseconds and are recorded in seconds.
func (s *EventSink) ObserveEvent(ev store.MetricEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case store.EventQueryFinish, store.EventError:
		// Detail carries the terminal status, Value the elapsed milliseconds.
		s.metrics.RecordQuery(ctx, ev.TenantID, ev.Detail, ev.Value/1000)
	case store.EventRetrievalLatency:
		s.metrics.RetrievalDuration.Record(ctx, ev.Value/1000)
	case store.EventLLMLatency:
		s.metrics.LLMFirstToken.Record(ctx, ev.Value/1000)
	case store.EventTokenCounts:
		// Value carries input+output combined; direction split is in the
		// stored record, not the event.
		s.metrics.Tokens.Add(ctx, int64(ev.Value))
	}
}
