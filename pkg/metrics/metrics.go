// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus collectors of the authentication
// core. The admin server serves them at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors handlers report into.
type Metrics struct {
	registry *prometheus.Registry

	LoginAttempts *prometheus.CounterVec
	CodesIssued   prometheus.Counter
	CodesRedeemed *prometheus.CounterVec
	OTPVerifies   *prometheus.CounterVec
	TokenLatency  prometheus.Histogram
}

// New creates the collectors on a private registry so tests can run several
// instances side by side.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkauth",
			Name:      "login_attempts_total",
			Help:      "OPAQUE login finish attempts by cohort and outcome.",
		}, []string{"cohort", "outcome"}),
		CodesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "darkauth",
			Name:      "authorization_codes_issued_total",
			Help:      "Authorization codes minted at consent.",
		}),
		CodesRedeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkauth",
			Name:      "authorization_codes_redeemed_total",
			Help:      "Authorization code redemptions by outcome.",
		}, []string{"outcome"}),
		OTPVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkauth",
			Name:      "otp_verifications_total",
			Help:      "TOTP verification attempts by outcome.",
		}, []string{"outcome"}),
		TokenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "darkauth",
			Name:      "token_request_duration_seconds",
			Help:      "Latency of /token requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(m.LoginAttempts, m.CodesIssued, m.CodesRedeemed, m.OTPVerifies, m.TokenLatency)
	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTokenRequest records the duration of one /token request.
func (m *Metrics) ObserveTokenRequest(start time.Time) {
	m.TokenLatency.Observe(time.Since(start).Seconds())
}
