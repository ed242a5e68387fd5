package client

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Delay yields the wait before each reconnect attempt.
type Delay interface {
	// Next returns the wait before the next attempt.
	Next() time.Duration
	// Reset is called after a successful connect.
	Reset()
}

// Fixed waits the same duration before every attempt.
type Fixed time.Duration

func (f Fixed) Next() time.Duration { return time.Duration(f) }
func (Fixed) Reset()                {}

// Backoff implements jittered exponential backoff, capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction for ±jitter (0.25 = ±25%)

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a Backoff doubling from min to max with ±25% jitter.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max, Factor: 2, Jitter: 0.25}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Min) * math.Pow(b.Factor, float64(b.attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	d = math.Max(d, float64(b.Min))
	d = math.Min(d, float64(b.Max))

	b.attempt++
	return time.Duration(d)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
