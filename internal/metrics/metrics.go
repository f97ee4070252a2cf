// Package metrics holds the Prometheus collectors shared by the cache,
// speech and prewarm packages. They live here to keep those packages free of
// import cycles with the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TierLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cache_lookups_total",
		Help: "Audio lookups by the tier that served them (miss when none did)",
	}, []string{"tier"})

	TierErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cache_tier_errors_total",
		Help: "Tier reads that failed for a reason other than a miss",
	}, []string{"tier"})

	BackgroundWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_cache_background_writes_total",
		Help: "Write-through and backfill writes by tier and result",
	}, []string{"tier", "result"})

	SynthesisRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_synthesis_requests_total",
		Help: "Upstream synthesis calls by result",
	}, []string{"result"})

	SynthesisLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_synthesis_latency_ms",
		Help:    "Upstream synthesis latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(50, 2, 10),
	})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_token_refreshes_total",
		Help: "Access token fetches by result",
	}, []string{"result"})

	PrewarmItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_prewarm_items_total",
		Help: "Prewarm items by outcome (synthesized, skipped, failed)",
	}, []string{"outcome"})

	PrewarmInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tts_prewarm_in_progress",
		Help: "1 while a prewarm run is active",
	})
)

// Register registers every collector on reg (or the default registerer if nil).
// Collectors that are already registered are ignored.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		TierLookups, TierErrors, BackgroundWrites,
		SynthesisRequests, SynthesisLatency, TokenRefreshes,
		PrewarmItems, PrewarmInProgress,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
