package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_requests_total",
			Help: "Total number of API requests per route",
		},
		[]string{"route"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utilitycost_request_duration_seconds",
			Help:    "Request duration in seconds per route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_request_errors_total",
			Help: "Total number of error responses per route and status code",
		},
		[]string{"route", "code"},
	)
)

var (
	RateResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_rate_resolutions_total",
			Help: "Rate resolutions by utility type, source and confidence",
		},
		[]string{"utility_type", "source", "confidence"},
	)

	CatalogErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_catalog_errors_total",
			Help: "Rate catalog reads that failed or timed out",
		},
		[]string{"utility_type"},
	)

	CoalescedLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_coalesced_lookups_total",
			Help: "Rate lookups served from an in-flight or recent identical lookup",
		},
		[]string{"utility_type", "mode"},
	)
)

var (
	RateUpdateEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_rate_update_events_total",
			Help: "Rate transitions seen by the detector, by outcome",
		},
		[]string{"utility_type", "outcome"},
	)

	RecalculationMonthsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_recalculation_months_total",
			Help: "Recalculated billing months by trigger and result",
		},
		[]string{"utility_type", "trigger", "result"},
	)

	RecalculationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utilitycost_recalculation_duration_seconds",
			Help:    "Duration of a single month recalculation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"utility_type", "trigger"},
	)

	RecordsRecalculatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_records_recalculated_total",
			Help: "Consumption records whose stored cost was rewritten",
		},
		[]string{"utility_type"},
	)
)

var (
	NotificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_notifications_created_total",
			Help: "Rate update notifications created, by type",
		},
		[]string{"notification_type"},
	)

	NotificationDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_notification_deliveries_total",
			Help: "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "utilitycost_outbox_pending",
			Help: "Outbox entries seen pending at the start of the last drain",
		},
	)
)

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilitycost_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilitycost_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilitycost_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}

// ObserveRecalculation records one month's recalculation outcome.
func ObserveRecalculation(utilityType, trigger string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	RecalculationMonthsTotal.WithLabelValues(utilityType, trigger, result).Inc()
	RecalculationDurationSeconds.WithLabelValues(utilityType, trigger).Observe(time.Since(started).Seconds())
}
