package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actsync_jobs_processed_total",
			Help: "Sync jobs finished, by provider, job type and outcome",
		},
		[]string{"provider", "job_type", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actsync_job_duration_seconds",
			Help:    "Duration of sync job execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "job_type"},
	)

	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actsync_records_ingested_total",
			Help: "Records passed through the ingest pipeline, by outcome (inserted, duplicate)",
		},
		[]string{"provider", "outcome"},
	)

	CollaboratorFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actsync_collaborator_fallbacks_total",
			Help: "Summarize/tag calls that failed and fell back",
		},
		[]string{"operation"},
	)

	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actsync_webhooks_received_total",
			Help: "Inbound webhooks by provider and result",
		},
		[]string{"provider", "result"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actsync_token_refreshes_total",
			Help: "OAuth token refresh attempts by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(RecordsIngestedTotal)
	prometheus.MustRegister(CollaboratorFallbacksTotal)
	prometheus.MustRegister(WebhooksReceivedTotal)
	prometheus.MustRegister(TokenRefreshesTotal)
}
