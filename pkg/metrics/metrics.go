// Package metrics exposes the Prometheus counters of the OTP server.
//
// A nil *Metrics is valid and records nothing, so components can take the
// collector as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "otpd"

// Metrics holds the server counters.
type Metrics struct {
	auth             *prometheus.CounterVec
	challenges       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	resync           *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication requests by resolution path and outcome.",
		}, []string{"path", "outcome"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_created_total",
			Help:      "Challenges created by token type.",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Out-of-band deliveries that failed, by token type.",
		}, []string{"type"}),
		resync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_total",
			Help:      "Resynchronisation attempts by mode and result.",
		}, []string{"mode", "result"}),
	}
	reg.MustRegister(m.auth, m.challenges, m.deliveryFailures, m.resync)
	return m
}

// Handler serves the metrics of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Auth counts one resolved authentication request.
func (m *Metrics) Auth(path, outcome string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(path, outcome).Inc()
}

// ChallengeCreated counts a challenge stored in the ledger.
func (m *Metrics) ChallengeCreated(tokenType string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(tokenType).Inc()
}

// DeliveryFailed counts a failed out-of-band delivery.
func (m *Metrics) DeliveryFailed(tokenType string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(tokenType).Inc()
}

// Resync counts a resync attempt; mode is "auto" or "explicit".
func (m *Metrics) Resync(mode string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.resync.WithLabelValues(mode, result).Inc()
}
