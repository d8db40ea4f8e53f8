package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Mutations.WithLabelValues("orders", "insert", OutcomeApplied).Inc()
	m.Mutations.WithLabelValues("orders", "insert", OutcomeApplied).Inc()
	m.Mutations.WithLabelValues("orders", "delete", OutcomeConflict).Inc()
	m.RateLimited.Inc()
	m.StreamSessions.Inc()
	m.StreamSessions.Inc()
	m.StreamSessions.Dec()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Mutations.WithLabelValues("orders", "insert", OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("orders", "delete", OutcomeConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamSessions))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Mutations))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RelayPublished.WithLabelValues("orders", "update").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `echodb_relay_published_total{table="orders",type="update"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}
