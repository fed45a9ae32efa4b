package router

import (
	"time"

	"github.com/keyleasehq/keylease/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keylease",
		Subsystem: "router",
		Name:      "dispatch_total",
		Help:      "Router dispatches by service and outcome.",
	}, []string{"service", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keylease",
		Subsystem: "router",
		Name:      "dispatch_duration_seconds",
		Help:      "Round-trip latency of router dispatches.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keylease",
		Subsystem: "router",
		Name:      "retries_total",
		Help:      "Retry attempts by service.",
	}, []string{"service"})
)

func observeDispatch(service, outcome string, elapsed time.Duration) {
	dispatchTotal.WithLabelValues(service, outcome).Inc()
	dispatchDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func recordRetry(service string) {
	retryTotal.WithLabelValues(service).Inc()
}

func outcomeForError(err error) string {
	switch {
	case types.IsTimeout(err):
		return "timeout"
	case types.IsCode(err, types.CodeServerError):
		return "server_error"
	case types.IsCode(err, types.CodeClientError):
		return "client_error"
	default:
		return "error"
	}
}
