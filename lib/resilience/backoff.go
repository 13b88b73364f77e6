package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff describes a jittered exponential retry delay.
//
//	delay(n) = InitialDelay * Multiplier^(n-1), capped at MaxDelay, ±JitterFraction
//
// Attempt 0 never waits.
type Backoff struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay. Zero disables the cap.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// JitterFraction randomizes the delay by ±fraction (0.0-1.0).
	JitterFraction float64
	// MaxRetries bounds the number of consecutive retries. Zero means unbounded.
	MaxRetries uint32
}

// DefaultBackoff returns the retry policy used for tunnel reconnection.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		MaxRetries:     0,
	}
}

// Delay returns the wait before the given retry attempt.
func (b Backoff) Delay(attempt uint32) time.Duration {
	return b.delay(attempt, rand.Float64)
}

// Exhausted reports whether attempt exceeds MaxRetries.
func (b Backoff) Exhausted(attempt uint32) bool {
	return b.MaxRetries > 0 && attempt > b.MaxRetries
}

func (b Backoff) delay(attempt uint32, random func() float64) time.Duration {
	if attempt == 0 || b.InitialDelay <= 0 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFraction > 0 {
		jitter := delay * b.JitterFraction
		delay += (random()*2 - 1) * jitter
	}

	if delay < float64(b.InitialDelay) {
		delay = float64(b.InitialDelay)
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	return time.Duration(delay)
}
