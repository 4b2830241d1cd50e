package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Claim outcomes are labelled "accepted" or the rejection reason.
var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_claims_total",
		Help: "Presence claims processed, by outcome.",
	}, []string{"outcome"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_started_total",
		Help: "Attendance sessions started.",
	})

	SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_stopped_total",
		Help: "Attendance sessions stopped.",
	})

	BulkRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_bulk_recognitions_total",
		Help: "Group-photo recognition runs.",
	})

	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollcall_verification_seconds",
		Help:    "Latency of calls to the face verification service.",
		Buckets: prometheus.DefBuckets,
	})
)
