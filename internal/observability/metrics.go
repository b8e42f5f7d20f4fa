package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "matches_total", Help: "Total number of successful collector matches"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "mbalit", Name: "match_latency_seconds", Help: "Collector selection latency in seconds"})

	DispatchAttemptsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "dispatch_attempts_total", Help: "Total match attempts made by the dispatcher"})
	AssignmentsTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "assignments_total", Help: "Total jobs assigned to a collector"})
	ClaimConflictsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "claim_conflicts_total", Help: "Collector claims lost to a concurrent dispatcher"})
	DispatchExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "dispatch_exhausted_total", Help: "Jobs cancelled after exhausting all dispatch attempts"})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "jobs_completed_total", Help: "Pickup jobs completed"})
	JobsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "jobs_cancelled_total", Help: "Pickup jobs cancelled"})

	PresenceReportsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mbalit", Name: "presence_reports_total", Help: "Collector presence reports applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mbalit", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mbalit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
