// Package metrics aggregates resilience-layer events into point-in-time
// snapshots and mirrors every event into Prometheus.
//
// The Aggregator is the single sink for cache, retry, rate-limit and call
// latency events. Snapshots are computed on demand and never mutated after
// construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the Prometheus registerer the package mirrors are registered on.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics:
//   - partner_cache_hits_total{tier} (Counter): Cache hits by tier
//   - partner_cache_misses_total (Counter): Lookups that missed every tier
//   - partner_cache_evictions_total{tier} (Counter): Capacity evictions by tier
//   - partner_cache_errors_total{tier} (Counter): Swallowed tier failures
//
// Retry Metrics:
//   - partner_retries_total{error_class} (Counter): Retry attempts by error class
//   - partner_call_outcomes_total{outcome} (Counter): success, permanent, exhausted, cancelled
//
// Rate Limit Metrics:
//   - partner_rate_limit_rejections_total (Counter): Denied admissions
//
// Call Metrics:
//   - partner_call_duration_seconds{status} (Histogram): Remote call latency
//   - partner_slow_calls_total (Counter): Calls above the slow-call threshold
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(partner_cache_hits_total[5m])) /
//   (sum(rate(partner_cache_hits_total[5m])) + sum(rate(partner_cache_misses_total[5m])))
//
//   # Retry pressure by class
//   sum by (error_class) (rate(partner_retries_total[5m]))
//
//   # P95 Remote Latency
//   histogram_quantile(0.95, rate(partner_call_duration_seconds_bucket[5m]))
