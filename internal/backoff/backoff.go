// Package backoff computes retry delays: exponential growth from a base,
// capped, with uniform jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = time.Minute
	DefaultJitter = 0.25
)

type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.25 means ±25%

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Raw returns min(Base*2^attempt, Max) without jitter.
func (p Policy) Raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base, limit := p.bounds()
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(limit) || math.IsInf(d, 0) {
		return limit
	}
	return time.Duration(d)
}

// NextDelay returns the jittered delay before retrying after attempt
// failures. The result never exceeds Max.
func (p Policy) NextDelay(attempt int) time.Duration {
	raw := p.Raw(attempt)
	_, limit := p.bounds()

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + p.Jitter*(2*r()-1)
	d := time.Duration(float64(raw) * factor)
	if d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	base, limit := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultMax
	}
	if base > limit {
		base = limit
	}
	return base, limit
}
