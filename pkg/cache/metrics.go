package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierEntries tracks the number of entries held by bounded tiers
	TierEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partner_cache_entries",
			Help: "Current number of entries in a cache tier",
		},
		[]string{"tier"}, // "memory"
	)

	// TierAvailable is 1 for tiers in the chain, 0 for tiers marked unavailable
	TierAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partner_cache_tier_available",
			Help: "Whether a cache tier is available (1) or skipped (0)",
		},
		[]string{"tier"},
	)

	// TierBackfills tracks values copied into faster tiers after a slower-tier hit
	TierBackfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partner_cache_backfills_total",
			Help: "Total number of backfill writes by destination tier",
		},
		[]string{"tier"},
	)
)
