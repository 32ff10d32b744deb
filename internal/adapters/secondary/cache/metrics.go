package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "following_cache",
		Name:      "hits_total",
		Help:      "Following set lookups served from memory",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighbors",
		Subsystem: "following_cache",
		Name:      "misses_total",
		Help:      "Following set lookups that required a fetch",
	})
)
