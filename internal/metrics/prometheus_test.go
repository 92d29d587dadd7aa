package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	m := prom.Metrics
	m.OperationsApplied.Inc()
	m.OperationsRejected.With("TIMING").Inc()
	m.OperationsRejected.With("TIMING").Inc()
	m.OperationsRejected.With("AUTHORIZATION").Inc()
	m.RoundsCompleted.Inc()
	m.RoundsFailed.Inc()
	m.AssetsSkipped.Inc()
	m.RequestsExecuted.Inc()
	m.FeesAllocated.Inc()
	m.OperatorChanges.Inc()
	m.UpdateID.Set(7)
	m.Operators.Set(4)

	assertCounter(t, prom.applied, 1)
	assertCounter(t, prom.rejected.WithLabelValues("TIMING"), 2)
	assertCounter(t, prom.rejected.WithLabelValues("AUTHORIZATION"), 1)
	assertCounter(t, prom.roundsCompleted, 1)
	assertCounter(t, prom.roundsFailed, 1)
	assertCounter(t, prom.assetsSkipped, 1)
	assertCounter(t, prom.requestsExecuted, 1)
	assertCounter(t, prom.feesAllocated, 1)
	assertCounter(t, prom.operatorChanges, 1)
	if got := testutil.ToFloat64(prom.updateID); got != 7 {
		t.Fatalf("expected update id 7, got %v", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RoundsCompleted.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fundfeed_price_rounds_completed_total 1") {
		t.Fatalf("expected rounds counter in output, got:\n%s", rec.Body.String())
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.OperationsRejected.With("x").Inc()
	m.UpdateID.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
