package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestMetrics creates metrics with a custom registry for testing.
func createTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry("test", reg, reg)
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	m := createTestMetrics()

	m.RecordHTTPRequest("GET", "/v1/credits", 200, 10*time.Millisecond)
	m.RecordHTTPRequest("GET", "/v1/credits", 200, 20*time.Millisecond)
	m.RecordHTTPRequest("POST", "/v1/generations", 402, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/credits", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/generations", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequestDuration))
}

func TestMetrics_InFlight(t *testing.T) {
	m := createTestMetrics()

	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func TestMetrics_Generation(t *testing.T) {
	m := createTestMetrics()

	m.RecordTaskSubmitted("sdxl")
	m.RecordTaskFinished("failed", "provider_error", 3*time.Second)
	m.RecordProviderCall("submit", "transient")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksSubmittedTotal.WithLabelValues("sdxl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinishedTotal.WithLabelValues("failed", "provider_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("submit", "transient")))
}

func TestMetrics_Ledger(t *testing.T) {
	m := createTestMetrics()

	m.RecordBillingEvent("order.paid", "applied")
	m.RecordReconcile(10, 2)
	m.RecordReconcile(12, 0)
	m.RecordSettled(3)
	m.RecordSettled(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BillingEventsTotal.WithLabelValues("order.paid", "applied")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.LedgerAccountsChecked))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LedgerDriftAccounts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksSettledTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		m.IncInFlight()
		m.DecInFlight()
		m.RecordTaskSubmitted("sdxl")
		m.RecordTaskFinished("succeeded", "", time.Second)
		m.RecordProviderCall("status", "ok")
		m.RecordBillingEvent("order.paid", "applied")
		m.RecordReconcile(1, 0)
		m.RecordSettled(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := createTestMetrics()
	m.RecordTaskSubmitted("sdxl")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_generation_tasks_submitted_total{model="sdxl"} 1`))
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeToString(tt.code))
	}
}
