package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "partner_cache_hits_total",
		Help: "Total number of cache hits by tier",
	}, []string{"tier"})

	cacheMissesTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "partner_cache_misses_total",
		Help: "Total number of lookups that missed every cache tier",
	})

	cacheEvictionsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "partner_cache_evictions_total",
		Help: "Total number of capacity evictions by tier",
	}, []string{"tier"})

	cacheErrorsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "partner_cache_errors_total",
		Help: "Total number of recovered cache tier failures",
	}, []string{"tier"})

	retriesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "partner_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	callOutcomesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "partner_call_outcomes_total",
		Help: "Total number of retried call outcomes",
	}, []string{"outcome"})

	rateLimitRejectionsTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "partner_rate_limit_rejections_total",
		Help: "Total number of requests denied by the rate limiter",
	})

	callDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partner_call_duration_seconds",
		Help:    "Partner call duration in seconds by status",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	slowCallsTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "partner_slow_calls_total",
		Help: "Total number of partner calls above the slow-call threshold",
	})
)

// mirror forwards an already-aggregated event to Prometheus.
func mirror(e Event, slow bool) {
	switch e.Kind {
	case EventCacheHit:
		cacheHitsTotal.WithLabelValues(e.Tier).Inc()
	case EventCacheMiss:
		cacheMissesTotal.Inc()
	case EventCacheEviction:
		cacheEvictionsTotal.WithLabelValues(e.Tier).Inc()
	case EventCacheError:
		cacheErrorsTotal.WithLabelValues(e.Tier).Inc()
	case EventRetryAttempt:
		retriesTotal.WithLabelValues(e.Type).Inc()
	case EventCallSucceeded:
		callOutcomesTotal.WithLabelValues(OutcomeSuccess).Inc()
	case EventCallFailed:
		callOutcomesTotal.WithLabelValues(e.Type).Inc()
	case EventRateLimitRejected:
		rateLimitRejectionsTotal.Inc()
	case EventCallCompleted:
		status := "success"
		if !e.Success {
			status = "failure"
		}
		callDuration.WithLabelValues(status).Observe(e.Duration.Seconds())
		if slow {
			slowCallsTotal.Inc()
		}
	}
}
