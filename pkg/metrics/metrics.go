// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_policy_decisions_total",
		Help: "Policy engine outcomes by effect and reason.",
	}, []string{"effect", "reason"})

	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_ledger_mutations_total",
		Help: "Applied ledger mutations by type and outcome.",
	}, []string{"type", "outcome"})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_idempotent_replays_total",
		Help: "HTTP responses served from the idempotency store.",
	})

	CeilingChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_ceiling_checks_total",
		Help: "Ceiling service checks by outcome.",
	}, []string{"outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_http_request_duration_seconds",
		Help:    "Inbound request latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
