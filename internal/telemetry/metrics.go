package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs enqueued per queue"}, []string{"queue"})
	JobsClaimed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_claimed_total", Help: "Claims won per queue"}, []string{"queue"})
	ClaimLost     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_claims_lost_total", Help: "Claim races lost per queue"}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed per queue"}, []string{"queue"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Handler failures per queue"}, []string{"queue"})
	JobsRequeued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_requeued_total", Help: "Stale leases requeued per queue"}, []string{"queue"})
	JobsPoisoned  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_poisoned_total", Help: "Jobs poisoned after exhausting retries"}, []string{"queue"})

	Reservations       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_reservations_total", Help: "Reservations created per usage kind"}, []string{"kind"})
	QuotaRejections    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_quota_rejections_total", Help: "Reservations rejected for insufficient quota"})
	FinalizeFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_finalize_fallbacks_total", Help: "Finalizations that fell back to the reserved amount"})
	Reconciliations    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_reconciliations_enqueued_total", Help: "Unresolved finalizations pushed to the reconciliation queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	AlertsEmitted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_alerts_emitted_total", Help: "Operational alerts emitted per severity"}, []string{"severity"})
	SweepsResolved     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_sweep_resolved_total", Help: "Stale reservations resolved by the sweeper"})

	QueueDepth          = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Queued plus processing rows per queue"}, []string{"queue"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Handlers currently executing"})
	ReconciliationDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_reconciliation_depth", Help: "Open reconciliation entries"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			ClaimLost,
			JobsCompleted,
			JobsFailed,
			JobsRequeued,
			JobsPoisoned,
			Reservations,
			QuotaRejections,
			FinalizeFallbacks,
			Reconciliations,
			RateLimitRejects,
			AlertsEmitted,
			SweepsResolved,
			QueueDepth,
			InFlightGauge,
			ReconciliationDepth,
		)
	})
	return promhttp.Handler()
}
