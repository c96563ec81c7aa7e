package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	redemptionsTotal  *prometheus.CounterVec
	nonceMarksTotal   prometheus.Counter
	storeRetriesTotal prometheus.Counter
)

// InitCustomMetrics initializes and registers the verification metrics.
// It should be called once at application startup; the observation helpers
// are no-ops until then, so tests need no registry.
func InitCustomMetrics(reg prometheus.Registerer) {
	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_redemptions_total",
		Help: "Total number of redemption attempts by outcome.",
	}, []string{"outcome"})
	nonceMarksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_nonce_marks_total",
		Help: "Total number of nonces marked as used.",
	})
	storeRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_store_retries_total",
		Help: "Total number of retried store operations.",
	})

	reg.MustRegister(redemptionsTotal, nonceMarksTotal, storeRetriesTotal)
	log.Info().Msg("Custom Prometheus metrics registered.")
}

// ObserveRedemption records a redemption outcome.
func ObserveRedemption(outcome string) {
	if redemptionsTotal != nil {
		redemptionsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveNonceMark records a successful nonce mark.
func ObserveNonceMark() {
	if nonceMarksTotal != nil {
		nonceMarksTotal.Inc()
	}
}

// ObserveStoreRetry records one retried store call.
func ObserveStoreRetry() {
	if storeRetriesTotal != nil {
		storeRetriesTotal.Inc()
	}
}
