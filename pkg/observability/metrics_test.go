package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.TxAttemptsTotal.WithLabelValues("assign_seat", "immediate").Inc()
	m.QuotaDecisionsTotal.WithLabelValues("seat", "granted").Inc()

	count, err := testutil.GatherAndCount(registry,
		"seatkeeper_tx_attempts_total",
		"seatkeeper_quota_decisions_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestRecordDBStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordDBStats(sql.DBStats{OpenConnections: 4, InUse: 1, Idle: 3, WaitCount: 7})

	assert.Equal(t, float64(4), testutil.ToFloat64(m.DBConnectionsOpen))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DBConnectionsInUse))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DBConnectionsWaitCount))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordDBStats(sql.DBStats{}) })
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/v1/tenants/{tenant}/seats" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/org-1/seats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/tenants/{tenant}/seats", "409"),
	))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.TxOutcomesTotal.WithLabelValues("assign_seat", "committed").Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "seatkeeper_tx_outcomes_total"))
}
