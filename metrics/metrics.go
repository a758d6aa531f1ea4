// Package metrics holds the Prometheus collectors for agentwatch.
// All methods are safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentwatch"

// Metrics holds all the Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	ReportsTotal       *prometheus.CounterVec
	ReportsRejected    prometheus.Counter
	RestartsDetected   prometheus.Counter
	ObserverFaults     prometheus.Counter
	AgentsHealthy      prometheus.Gauge
	AgentsUnhealthy    prometheus.Gauge
	ScanDuration       prometheus.Histogram
	AlertsNotified     *prometheus.CounterVec
	AlertsDeduplicated *prometheus.CounterVec
	AlertsDelivered    *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	AlertsDropped      *prometheus.CounterVec
	AlertQueueSize     prometheus.Gauge
	WorkQueueOverflow  prometheus.Counter
	WatchersConnected  prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry, plus the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total number of liveness reports accepted, by mode",
		}, []string{"mode"}),
		ReportsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_rejected_total",
			Help:      "Total number of malformed reports rejected",
		}),
		RestartsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_detected_total",
			Help:      "Total number of reports whose uptime went backwards",
		}),
		ObserverFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_faults_total",
			Help:      "Total number of subscriber callbacks that failed or panicked",
		}),
		AgentsHealthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_healthy",
			Help:      "Healthy agents as of the last scan",
		}),
		AgentsUnhealthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_unhealthy",
			Help:      "Unhealthy agents as of the last scan",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of zombie scans",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		AlertsNotified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_notified_total",
			Help:      "Alerts accepted by the dispatcher, by kind",
		}, []string{"kind"}),
		AlertsDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_deduplicated_total",
			Help:      "Alerts suppressed inside the dedup window, by kind",
		}, []string{"kind"}),
		AlertsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_delivered_total",
			Help:      "Alerts delivered to the remote endpoint, by kind",
		}, []string{"kind"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Failed delivery attempts, by kind",
		}, []string{"kind"}),
		AlertsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Queued alerts dropped without delivery, by reason (ttl, overflow)",
		}, []string{"reason"}),
		AlertQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_queue_size",
			Help:      "Alerts waiting for retry",
		}),
		WorkQueueOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workqueue_overflow_total",
			Help:      "Tasks that found the work queue full and ran on an overflow goroutine",
		}),
		WatchersConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_connected",
			Help:      "Open observation streams",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ReportAccepted counts an accepted report.
func (m *Metrics) ReportAccepted(mode string, restart bool) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(mode).Inc()
	if restart {
		m.RestartsDetected.Inc()
	}
}

// ReportRejected counts a malformed report.
func (m *Metrics) ReportRejected() {
	if m == nil {
		return
	}
	m.ReportsRejected.Inc()
}

// ObserverFault counts a failed subscriber callback.
func (m *Metrics) ObserverFault() {
	if m == nil {
		return
	}
	m.ObserverFaults.Inc()
}

// ScanCompleted records the outcome of one zombie scan.
func (m *Metrics) ScanCompleted(healthy, unhealthy int, took time.Duration) {
	if m == nil {
		return
	}
	m.AgentsHealthy.Set(float64(healthy))
	m.AgentsUnhealthy.Set(float64(unhealthy))
	m.ScanDuration.Observe(took.Seconds())
}

// AlertNotified counts an alert accepted by the dispatcher.
func (m *Metrics) AlertNotified(kind string) {
	if m == nil {
		return
	}
	m.AlertsNotified.WithLabelValues(kind).Inc()
}

// AlertDeduplicated counts an alert suppressed by the dedup window.
func (m *Metrics) AlertDeduplicated(kind string) {
	if m == nil {
		return
	}
	m.AlertsDeduplicated.WithLabelValues(kind).Inc()
}

// AlertDelivered counts a successful delivery.
func (m *Metrics) AlertDelivered(kind string) {
	if m == nil {
		return
	}
	m.AlertsDelivered.WithLabelValues(kind).Inc()
}

// DeliveryFailed counts a failed delivery attempt.
func (m *Metrics) DeliveryFailed(kind string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(kind).Inc()
}

// AlertDropped counts a queued alert dropped for reason ("ttl", "overflow").
func (m *Metrics) AlertDropped(reason string) {
	if m == nil {
		return
	}
	m.AlertsDropped.WithLabelValues(reason).Inc()
}

// QueueSize sets the current retry queue length.
func (m *Metrics) QueueSize(n int) {
	if m == nil {
		return
	}
	m.AlertQueueSize.Set(float64(n))
}

// WorkOverflow counts a task that ran outside the worker pool.
func (m *Metrics) WorkOverflow() {
	if m == nil {
		return
	}
	m.WorkQueueOverflow.Inc()
}

// WatcherConnected adjusts the open watch stream gauge by delta.
func (m *Metrics) WatcherConnected(delta int) {
	if m == nil {
		return
	}
	m.WatchersConnected.Add(float64(delta))
}
