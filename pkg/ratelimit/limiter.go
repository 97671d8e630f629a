package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
)

// Prometheus metrics for rate limiting.
var (
	trackedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partner_rate_limit_clients",
		Help: "Number of clients with live rate limit state",
	})

	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partner_rate_limit_denials_total",
		Help: "Total number of denied admissions by limit",
	}, []string{"limit"}) // "minute", "burst"
)

// Config holds the limiter configuration.
type Config struct {
	// RatePerSecond is the token refill rate.
	RatePerSecond float64

	// BurstSize is the token bucket capacity.
	BurstSize float64

	// RatePerMinute is the hard cap on admissions in any 60s window.
	RatePerMinute int

	// IdleRetention is how long a client's state survives without calls.
	IdleRetention time.Duration

	Clock   clock.Clock
	Metrics *metrics.Aggregator
	Logger  *zerolog.Logger
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 10,
		BurstSize:     20,
		RatePerMinute: 300,
		IdleRetention: 10 * time.Minute,
	}
}

// Limiter gates partner calls per client.
//
// Acquire is atomic per client: each client's state has its own lock, and
// the client map lock is only held to find or create that state.
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Aggregator
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*ClientRateState
}

// NewLimiter creates a limiter. Zero fields take their defaults.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.IdleRetention <= 0 {
		cfg.IdleRetention = def.IdleRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Limiter{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logging.OrDefault(cfg.Logger, "ratelimit"),
		clients: make(map[string]*ClientRateState),
	}
}

// Acquire admits or denies a request of the given cost for clientID.
//
//  1. refill tokens for the elapsed time, capped at the burst size
//  2. drop window admissions older than 60s
//  3. window full: deny until the oldest admission leaves it
//  4. enough tokens: record the admission, take cost tokens, allow
//  5. otherwise deny until enough tokens have refilled
//
// A denied request changes nothing but the refill bookkeeping.
func (l *Limiter) Acquire(clientID string, cost float64) Decision {
	for {
		s := l.state(clientID)

		s.mu.Lock()
		if s.evicted {
			// Swept between lookup and lock; take the fresh state.
			s.mu.Unlock()
			continue
		}
		d, limit := l.decide(s, l.clock.Now(), cost)
		s.mu.Unlock()

		if !d.Allowed {
			denialsTotal.WithLabelValues(limit).Inc()
			l.metrics.Record(metrics.RateLimitRejected())
			l.logger.Debug().
				Str("client_id", clientID).
				Str("limit", limit).
				Dur("retry_after", d.RetryAfter).
				Msg("Rate limit denied request")
		}
		return d
	}
}

func (l *Limiter) decide(s *ClientRateState, now time.Time, cost float64) (Decision, string) {
	s.LastSeen = now

	// Step 1: Refill
	s.refill(now, l.cfg.RatePerSecond, l.cfg.BurstSize)

	// Step 2: Prune window
	s.prune(now)

	// Step 3: Per-minute cap
	if len(s.Admissions) >= l.cfg.RatePerMinute {
		wait := Window - now.Sub(s.Admissions[0])
		return Decision{Allowed: false, RetryAfter: wait}, "minute"
	}

	// Step 4: Tokens
	if s.Tokens >= cost {
		s.Admissions = append(s.Admissions, now)
		s.Tokens -= cost
		return Decision{Allowed: true}, ""
	}

	// Step 5: Wait for refill
	secs := math.Ceil((cost - s.Tokens) / l.cfg.RatePerSecond)
	return Decision{Allowed: false, RetryAfter: time.Duration(secs) * time.Second}, "burst"
}

func (l *Limiter) state(clientID string) *ClientRateState {
	l.mu.RLock()
	s, ok := l.clients[clientID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.clients[clientID]; ok {
		return s
	}
	s = newClientRateState(l.clock.Now(), l.cfg.BurstSize, l.cfg.RatePerMinute)
	l.clients[clientID] = s
	trackedClients.Set(float64(len(l.clients)))
	return s
}

// Sweep removes the state of clients idle for longer than the retention
// window and returns how many were removed. A swept client starts again
// with a full bucket and an empty window.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.clients {
		s.mu.Lock()
		if now.Sub(s.LastSeen) > l.cfg.IdleRetention {
			s.evicted = true
			delete(l.clients, id)
			removed++
		}
		s.mu.Unlock()
	}
	trackedClients.Set(float64(len(l.clients)))

	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("Swept idle rate limit state")
	}
	return removed
}

// Clients returns the number of clients with live state.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// Now returns the limiter's clock time, for callers scheduling Sweep.
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}
