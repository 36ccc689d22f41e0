// Package metrics exposes the BFF's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcilePasses counts reconciler passes by kind (verify, refresh) and outcome.
	ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classbook",
		Name:      "reconcile_passes_total",
		Help:      "Subscription reconciliation passes by kind and outcome.",
	}, []string{"kind", "outcome"})

	// Mutations counts user-initiated subscription actions by operation and result.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classbook",
		Name:      "subscription_mutations_total",
		Help:      "Subscribe, upgrade, downgrade, cancel and deposit requests by result.",
	}, []string{"operation", "result"})

	// UpstreamDuration observes student API latency by endpoint and status code.
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classbook",
		Name:      "upstream_request_duration_seconds",
		Help:      "Latency of calls to the student API.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	// Sessions tracks live dashboard sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classbook",
		Name:      "sessions",
		Help:      "Live dashboard sessions.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
