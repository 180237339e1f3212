package stompnotify

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnect settings.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultBackoffFactor        = 2.0
	DefaultBackoffJitter        = 0.2
)

// ReconnectPolicy decides how long to wait before a reconnect attempt.
// attempt starts at 1 for the first retry.
type ReconnectPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every attempt.
type FixedDelay time.Duration

func (f FixedDelay) Delay(attempt int) time.Duration {
	return time.Duration(f)
}

// ExponentialBackoff grows the delay by Factor on every attempt, caps it at
// Max and then spreads it by up to ±Jitter (a fraction of the delay).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	// random returns a value in [0, 1). Nil means math/rand/v2.
	random func() float64
}

// DefaultReconnectPolicy returns the backoff used when none is configured.
func DefaultReconnectPolicy() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: DefaultReconnectDelay,
		Max:     DefaultMaxReconnectDelay,
		Factor:  DefaultBackoffFactor,
		Jitter:  DefaultBackoffJitter,
	}
}

func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	initial := b.Initial
	if initial <= 0 {
		initial = DefaultReconnectDelay
	}
	factor := b.Factor
	if factor < 1.0 {
		factor = DefaultBackoffFactor
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		random := b.random
		if random == nil {
			random = rand.Float64
		}
		jitter := math.Min(b.Jitter, 1.0)
		delay += delay * jitter * (2*random() - 1)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
