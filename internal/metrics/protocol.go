package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts protocol sessions started, by kind (dkg/dsg/rotation/recovery).
	SessionsStarted = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "sessions_started_total",
		Help:      "Protocol sessions started, by kind.",
	}, []string{"kind"})

	// SessionsCompleted counts protocol sessions that reached Completed.
	SessionsCompleted = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "sessions_completed_total",
		Help:      "Protocol sessions that completed successfully, by kind.",
	}, []string{"kind"})

	// SessionsFailed counts protocol sessions that reached Failed, by kind and sdkerr.Kind.
	SessionsFailed = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "sessions_failed_total",
		Help:      "Protocol sessions that failed, by kind and error kind.",
	}, []string{"kind", "error_kind"})

	// RoundDuration observes wall-clock time spent processing a single round.
	RoundDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "round_duration_seconds",
		Help:      "Time spent processing a single protocol round.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// RoundRetries counts round attempts beyond the first, by kind.
	RoundRetries = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "round_retries_total",
		Help:      "Round retry attempts, by protocol kind.",
	}, []string{"kind"})
)
