package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Generation metrics
	TasksSubmittedTotal *prometheus.CounterVec
	TasksFinishedTotal  *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	ProviderCallsTotal  *prometheus.CounterVec

	// Billing metrics
	BillingEventsTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerAccountsChecked prometheus.Gauge
	LedgerDriftAccounts   prometheus.Gauge
	TasksSettledTotal     prometheus.Counter
}

// New creates a new Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a new Metrics instance registered on reg.
func NewWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if namespace == "" {
		namespace = "imagegen"
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		// Generation metrics
		TasksSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "tasks_submitted_total",
				Help:      "Total number of accepted generation tasks",
			},
			[]string{"model"},
		),
		TasksFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "tasks_finished_total",
				Help:      "Total number of generation tasks reaching a terminal state",
			},
			[]string{"state", "reason"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "task_duration_seconds",
				Help:      "Time from task creation to terminal state",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"state"},
		),
		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Total number of image provider calls",
			},
			[]string{"operation", "outcome"},
		),

		// Billing metrics
		BillingEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "events_total",
				Help:      "Total number of billing events by outcome",
			},
			[]string{"type", "outcome"},
		),

		// Ledger metrics
		LedgerAccountsChecked: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "reconcile_accounts_checked",
				Help:      "Accounts checked by the last reconciliation pass",
			},
		),
		LedgerDriftAccounts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "drift_accounts",
				Help:      "Accounts whose balance disagreed with their entry sum in the last reconciliation pass",
			},
		),
		TasksSettledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "settled_tasks_total",
				Help:      "Reservations settled by the background sweep",
			},
		),
	}
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncInFlight marks a request as started.
func (m *Metrics) IncInFlight() {
	if m != nil {
		m.HTTPRequestsInFlight.Inc()
	}
}

// DecInFlight marks a request as done.
func (m *Metrics) DecInFlight() {
	if m != nil {
		m.HTTPRequestsInFlight.Dec()
	}
}

// RecordTaskSubmitted records an accepted generation task.
func (m *Metrics) RecordTaskSubmitted(model string) {
	if m == nil {
		return
	}
	m.TasksSubmittedTotal.WithLabelValues(model).Inc()
}

// RecordTaskFinished records a task reaching a terminal state.
func (m *Metrics) RecordTaskFinished(state, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinishedTotal.WithLabelValues(state, reason).Inc()
	m.TaskDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordProviderCall records an image provider call.
func (m *Metrics) RecordProviderCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBillingEvent records an applied billing event.
func (m *Metrics) RecordBillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordReconcile records the result of a reconciliation pass.
func (m *Metrics) RecordReconcile(checked, drifted int) {
	if m == nil {
		return
	}
	m.LedgerAccountsChecked.Set(float64(checked))
	m.LedgerDriftAccounts.Set(float64(drifted))
}

// RecordSettled records reservations settled by the sweep.
func (m *Metrics) RecordSettled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksSettledTotal.Add(float64(n))
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
