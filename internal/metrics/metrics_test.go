package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handshake(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.HandshakeStarted()
	m.HandshakeStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending))

	m.HandshakeSettled("google", OutcomeSuccess, time.Second)
	m.HandshakeSettled("google", OutcomeUserCancelled, 2*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("google", OutcomeSuccess)))

	m.MessageIgnored("verifier_mismatch")
	m.MessageIgnored("verifier_mismatch")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ignored.WithLabelValues("verifier_mismatch")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.HandshakeStarted()
	m.HandshakeSettled("google", OutcomeTimeout, time.Second)
	m.MessageIgnored("x")
	m.RelayPublished("ok")
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.NoError(t, err, "registering twice is tolerated")

	m1.RelayPublished("delivered")
	rec := httptest.NewRecorder()
	m1.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_publishes_total{result="delivered"} 1`)
}
