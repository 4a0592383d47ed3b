package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/helixdesk/cortex/internal/store"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"cortex.query.duration", m.QueryDuration},
		{"cortex.retrieval.duration", m.RetrievalDuration},
		{"cortex.llm.first_token", m.LLMFirstToken},
		{"cortex.tool_execution.duration", m.ToolExecutionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestQueryCounterByStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQuery(ctx, "t-acme", "COMPLETED", 0.8)
	m.RecordQuery(ctx, "t-acme", "COMPLETED", 1.2)
	m.RecordQuery(ctx, "t-acme", "FAILED", 0.1)

	rm := collect(t, reader)
	met := findMetric(rm, "cortex.queries")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" && kv.Value.AsString() == "COMPLETED" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with status=COMPLETED not found")
}

func TestTokenCounterByDirection(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordTokens(context.Background(), 120, 45)

	rm := collect(t, reader)
	met := findMetric(rm, "cortex.tokens")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	want := map[string]int64{"input": 120, "output": 45}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) != "direction" {
				continue
			}
			dir := kv.Value.AsString()
			if dp.Value != want[dir] {
				t.Errorf("direction %s = %d, want %d", dir, dp.Value, want[dir])
			}
			delete(want, dir)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing directions: %v", want)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordProviderError(context.Background(), "openai", "llm")

	rm := collect(t, reader)
	met := findMetric(rm, "cortex.provider.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("counter value = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "cortex.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestEventSinkMapsLatencies(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := NewEventSink(m)

	sink.ObserveEvent(store.MetricEvent{Kind: store.EventRetrievalLatency, Value: 250})
	sink.ObserveEvent(store.MetricEvent{Kind: store.EventLLMLatency, Value: 900})
	sink.ObserveEvent(store.MetricEvent{
		Kind: store.EventQueryFinish, TenantID: "t-acme", Detail: "COMPLETED", Value: 1500,
	})

	rm := collect(t, reader)

	ret := findMetric(rm, "cortex.retrieval.duration")
	if ret == nil {
		t.Fatal("retrieval metric not found")
	}
	hist := ret.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Sum; got != 0.25 {
		t.Errorf("retrieval sum = %v s, want 0.25", got)
	}

	queries := findMetric(rm, "cortex.queries")
	if queries == nil {
		t.Fatal("queries metric not found")
	}
	sum := queries.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("queries = %+v, want one COMPLETED", sum.DataPoints)
	}

	found := false
	for _, kv := range sum.DataPoints[0].Attributes.ToSlice() {
		if string(kv.Key) == "status" && kv.Value.AsString() == "COMPLETED" {
			found = true
		}
	}
	if !found {
		t.Error("query data point missing status=COMPLETED")
	}
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("tenant", "t-acme")
	if kv != attribute.String("tenant", "t-acme") {
		t.Errorf("Attr = %+v", kv)
	}
}
