package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddlewareRecordsDurationAndStatus(t *testing.T) {
	m, reader := newTestMetrics(t)

	var sawCtx bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawCtx = r.Context() != nil
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/tenant/config", nil)
	Middleware(m)(inner).ServeHTTP(rec, req)

	if !sawCtx {
		t.Error("handler did not run")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "cortex.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("data points = %+v, want one sample", hist.DataPoints)
	}

	var found bool
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		if string(kv.Key) == "path" && kv.Value.AsString() == "/api/tenant/config" {
			found = true
		}
	}
	if !found {
		t.Error("sample missing path attribute")
	}
}

func TestMiddlewareSetsCorrelationHeaderWithSampledTrace(t *testing.T) {
	// A recording tracer provider is required for a valid trace ID.
	tp := newTestTracerProvider(t)
	restore := swapGlobalTracer(tp)
	defer restore()

	m, _ := newTestMetrics(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header not set")
	}
}
