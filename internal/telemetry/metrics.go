package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_enqueued_total", Help: "Documents accepted for processing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	SyncedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_synced_total", Help: "Referrals synced to the EMR"})
	NotifiedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_awaiting_info_total", Help: "Referrals parked awaiting missing information"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_retries_total", Help: "Attempts that failed and were scheduled for retry"})
	FailedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_failed_total", Help: "Documents that exhausted their retry budget"})
	InfraErrCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "referrals_infra_errors_total", Help: "Transient infrastructure errors hit by workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "referrals_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "referrals_inflight", Help: "Documents currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			SyncedCounter,
			NotifiedCounter,
			RetryCounter,
			FailedCounter,
			InfraErrCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
