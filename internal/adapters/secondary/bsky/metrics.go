package bsky

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "xrpc",
		Name:      "requests_total",
		Help:      "XRPC requests by method and status code",
	}, []string{"method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "neighbors",
		Subsystem: "xrpc",
		Name:      "request_duration_seconds",
		Help:      "XRPC request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	sessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "xrpc",
		Name:      "session_refreshes_total",
		Help:      "Access token refreshes",
	})
)
