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

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ReportAccepted("IDLE", true)
	m.ReportRejected()
	m.ObserverFault()
	m.ScanCompleted(1, 2, time.Millisecond)
	m.AlertNotified("AGENT_DEATH")
	m.AlertDeduplicated("AGENT_DEATH")
	m.AlertDelivered("AGENT_DEATH")
	m.DeliveryFailed("AGENT_DEATH")
	m.AlertDropped("ttl")
	m.QueueSize(3)
	m.WorkOverflow()
	m.WatcherConnected(1)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.ReportAccepted("IDLE", false)
	m.ReportAccepted("IDLE", true)
	m.AlertDropped("overflow")
	m.QueueSize(7)

	if got := testutil.ToFloat64(m.ReportsTotal.WithLabelValues("IDLE")); got != 2 {
		t.Errorf("reports_total{mode=IDLE} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RestartsDetected); got != 1 {
		t.Errorf("restarts_detected_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AlertsDropped.WithLabelValues("overflow")); got != 1 {
		t.Errorf("alerts_dropped_total{reason=overflow} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AlertQueueSize); got != 7 {
		t.Errorf("alert_queue_size = %v, want 7", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ScanCompleted(3, 1, 2*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "agentwatch_agents_healthy 3") {
		t.Errorf("expected healthy gauge in output, got:\n%s", body)
	}
}
