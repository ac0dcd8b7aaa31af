// Package metrics exposes Prometheus counters for handshakes and the relay.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess       = "success"
	OutcomeProviderError = "provider_error"
	OutcomeUserCancelled = "user_cancelled"
	OutcomeTimeout       = "timeout"
	OutcomeCancelled     = "cancelled"
	OutcomeChannelClosed = "channel_closed"
	OutcomeSetupFailed   = "setup_failed"
	OutcomeRedirected    = "redirected"
	OutcomeGuardFailed   = "guard_failed"

	// OutcomeNormalizeFailed is a settled handshake whose credential the
	// login handler could not resolve to a user.
	OutcomeNormalizeFailed = "normalize_failed"
)

// Metrics holds every collector. A nil *Metrics records nothing, so
// components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	ignored        *prometheus.CounterVec
	pending        prometheus.Gauge
	relayPublishes *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors on registry, or on a fresh one when nil.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handshake_outcomes_total",
			Help: "Settled handshakes by login type and outcome",
		}, []string{"login_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handshake_duration_seconds",
			Help:    "Time from opening the window to settlement",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"login_type"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handshake_ignored_messages_total",
			Help: "Result channel messages dropped without settling",
		}, []string{"reason"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handshake_pending",
			Help: "Handshakes currently waiting for a result",
		}),
		relayPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_publishes_total",
			Help: "Results published by the relay",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Relay HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Relay HTTP latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, c := range []prometheus.Collector{
		m.outcomes, m.duration, m.ignored, m.pending, m.relayPublishes, m.httpRequests, m.httpDuration,
	} {
		if err := register(registry, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandshakeStarted marks a handshake as pending.
func (m *Metrics) HandshakeStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

// HandshakeSettled records the outcome of a pending handshake.
func (m *Metrics) HandshakeSettled(loginType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.outcomes.WithLabelValues(loginType, outcome).Inc()
	m.duration.WithLabelValues(loginType).Observe(elapsed.Seconds())
}

// HandshakeOutcome records an outcome for a handshake that never became
// pending (setup failures, redirects).
func (m *Metrics) HandshakeOutcome(loginType, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(loginType, outcome).Inc()
}

// MessageIgnored counts a dropped result channel message.
func (m *Metrics) MessageIgnored(reason string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(reason).Inc()
}

// RelayPublished counts a relay publish by result.
func (m *Metrics) RelayPublished(result string) {
	if m == nil {
		return
	}
	m.relayPublishes.WithLabelValues(result).Inc()
}

// ObserveHTTP records one relay request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
