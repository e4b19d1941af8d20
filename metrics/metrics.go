// Package metrics exposes Prometheus collectors for the orchestrator's
// background loops and the request surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	containersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "enclaved",
			Subsystem: "containers",
			Name:      "by_state",
			Help:      "Number of hosted containers per lifecycle state.",
		},
		[]string{"state"},
	)

	unitsCommitted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enclaved",
			Subsystem: "containers",
			Name:      "units_committed",
			Help:      "Total resource units committed across all containers.",
		},
	)

	charges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclaved",
			Subsystem: "billing",
			Name:      "charges_total",
			Help:      "Total charge attempts by outcome.",
		},
		[]string{"outcome"},
	)

	chargeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "enclaved",
			Subsystem: "billing",
			Name:      "charge_duration_seconds",
			Help:      "Duration of individual charge attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclaved",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests handled, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	announcements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclaved",
			Subsystem: "transport",
			Name:      "announcements_total",
			Help:      "Total announcements published, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	upgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclaved",
			Subsystem: "upgrades",
			Name:      "attempts_total",
			Help:      "Total upgrade attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		containersByState,
		unitsCommitted,
		charges,
		chargeDuration,
		rpcRequests,
		announcements,
		upgrades,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetContainerGauges records the current container population.
func SetContainerGauges(byState map[string]int, totalUnits int) {
	for _, state := range []string{"waiting", "deployed", "paused"} {
		containersByState.WithLabelValues(state).Set(float64(byState[state]))
	}
	unitsCommitted.Set(float64(totalUnits))
}

// RecordCharge records one charge attempt.
func RecordCharge(outcome string, duration time.Duration) {
	charges.WithLabelValues(outcome).Inc()
	chargeDuration.Observe(duration.Seconds())
}

// RecordRPC records one handled RPC request.
func RecordRPC(method, outcome string) {
	rpcRequests.WithLabelValues(method, outcome).Inc()
}

// RecordAnnouncement records one announcement publish attempt.
func RecordAnnouncement(kind string, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	announcements.WithLabelValues(kind, outcome).Inc()
}

// RecordUpgrade records one upgrade attempt.
func RecordUpgrade(outcome string) {
	upgrades.WithLabelValues(outcome).Inc()
}
