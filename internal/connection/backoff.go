package connection

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnection delays the way the Socket.IO client does:
// min * factor^attempt, spread by a random deviation, capped at max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // randomization factor in [0, 1]

	rand func() float64
}

// DefaultBackoff mirrors the Socket.IO client defaults
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: 0.5,
	}
}

// Duration returns the delay before reconnect attempt n (zero based)
func (b Backoff) Duration(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	ms := float64(b.Min) * math.Pow(factor, float64(attempt))
	// factor^attempt leaves float range after ~1000 attempts at factor 2
	if math.IsInf(ms, 0) || math.IsNaN(ms) || ms > math.MaxInt64 {
		ms = math.MaxInt64
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		roll := r()
		deviation := math.Floor(roll * b.Jitter * ms)
		if int(math.Floor(roll*10))&1 == 0 {
			ms -= deviation
		} else {
			ms += deviation
		}
	}

	if b.Max > 0 && ms > float64(b.Max) {
		return b.Max
	}
	if ms >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms)
}
