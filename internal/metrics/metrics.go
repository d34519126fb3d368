// Package metrics exposes the proxy's Prometheus metrics: connection
// state per upstream, update and violation counts, merge outcomes, and
// routed solutions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobProvidersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "miningproxy",
		Name:      "job_providers_connected",
		Help:      "Number of job-provider connections currently established.",
	})

	PoolsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "miningproxy",
		Name:      "pools_connected",
		Help:      "Number of pool connections currently established.",
	})

	ActivePoolPriority = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "miningproxy",
		Name:      "active_pool_priority",
		Help:      "Priority index of the currently active pool, or -1 if none.",
	})

	TemplateUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "template_updates_total",
		Help:      "Accepted BlockTemplate updates by job-provider host.",
	}, []string{"host"})

	PayoutInfoUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "payout_info_updates_total",
		Help:      "Accepted PoolPayoutInfo updates by pool host.",
	}, []string{"host"})

	DifficultyUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "difficulty_updates_total",
		Help:      "Accepted ShareDifficulty updates by pool host.",
	}, []string{"host"})

	ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "protocol_violations_total",
		Help:      "Connections closed due to a protocol violation, by upstream and reason.",
	}, []string{"upstream", "reason"})

	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "reconnect_attempts_total",
		Help:      "Connection attempts made, by upstream host.",
	}, []string{"host"})

	SignatureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "signature_failures_total",
		Help:      "Messages rejected for signature verification failure, by upstream.",
	}, []string{"upstream"})

	MergeSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "merge_successes_total",
		Help:      "Merge attempts that produced a WorkInfo.",
	})

	MergeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "merge_failures_total",
		Help:      "Merge attempts dropped by an arithmetic or sanity guard, by reason.",
	}, []string{"reason"})

	SolutionsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miningproxy",
		Name:      "solutions_routed_total",
		Help:      "Solutions forwarded upstream, by destination (job_provider, pool).",
	}, []string{"destination"})
)

func init() {
	prometheus.MustRegister(
		JobProvidersConnected,
		PoolsConnected,
		ActivePoolPriority,
		TemplateUpdates,
		PayoutInfoUpdates,
		DifficultyUpdates,
		ProtocolViolations,
		ReconnectAttempts,
		SignatureFailures,
		MergeSuccesses,
		MergeFailures,
		SolutionsRouted,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
