package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsAndServes(t *testing.T) {
	collector := NewCollector()
	collector.ObserveCheck("processed", 150*time.Millisecond)
	collector.ObserveCheck("processed", 0)
	collector.AddRecords("new", 3)
	collector.AddRecords("changed", 0)
	collector.ObserveDelivery("failed")

	if got := testutil.ToFloat64(collector.checks.WithLabelValues("processed")); got != 2 {
		t.Fatalf("expected 2 processed checks, got %v", got)
	}
	if got := testutil.ToFloat64(collector.records.WithLabelValues("new")); got != 3 {
		t.Fatalf("expected 3 new records, got %v", got)
	}

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), `notionwatch_deliveries_total{result="failed"} 1`) {
		t.Fatalf("expected delivery counter in exposition, got:\n%s", body)
	}
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var collector *Collector
	collector.ObserveCheck("processed", time.Second)
	collector.AddRecords("new", 1)
	collector.ObserveDelivery("sent")
}
