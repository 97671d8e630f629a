// Package ratelimit implements per-client admission control for partner calls.
// Each client gets a token bucket for per-second smoothing and a sliding
// window counter for a hard per-minute cap.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Window is the length of the sliding window behind the per-minute cap.
const Window = 60 * time.Second

// ClientRateState is one client's limiter state. It is created lazily on
// the client's first Acquire and removed by Sweep once idle.
type ClientRateState struct {
	mu sync.Mutex

	// Tokens is the current token bucket level, at most the burst size.
	Tokens float64

	// LastRefill is when Tokens was last brought up to date.
	LastRefill time.Time

	// Admissions holds the admission times inside the window, oldest first.
	// It never holds more than the per-minute cap.
	Admissions []time.Time

	// LastSeen is the time of the client's latest Acquire.
	LastSeen time.Time

	evicted bool
}

func newClientRateState(now time.Time, burst float64, perMinute int) *ClientRateState {
	return &ClientRateState{
		Tokens:     burst,
		LastRefill: now,
		LastSeen:   now,
		Admissions: make([]time.Time, 0, perMinute),
	}
}

// refill adds elapsed * rate tokens, capped at burst.
func (s *ClientRateState) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(s.LastRefill)
	if elapsed > 0 {
		s.Tokens = math.Min(burst, s.Tokens+elapsed.Seconds()*rate)
	}
	s.LastRefill = now
}

// prune drops admissions that left the window.
func (s *ClientRateState) prune(now time.Time) {
	i := 0
	for i < len(s.Admissions) && now.Sub(s.Admissions[i]) >= Window {
		i++
	}
	if i > 0 {
		s.Admissions = append(s.Admissions[:0], s.Admissions[i:]...)
	}
}

// Decision is the result of one Acquire.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the client should wait before trying again.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, the
// form used by the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}
