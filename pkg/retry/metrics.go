package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "retry",
		Name:      "retries_total",
		Help:      "Retries scheduled after a retryable error",
	})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Calls that gave up after the maximum number of attempts",
	})
)
