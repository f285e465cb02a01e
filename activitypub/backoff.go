package activitypub

import (
	"math/rand/v2"
	"time"
)

// maxBackoffStep caps the doubling well below overflow.
const maxBackoffStep = time.Duration(1 << 61)

// Backoff computes retry delays: Base*2^(n-1) plus up to half a step of
// jitter. The jitter never reaches the next step, so delays strictly
// increase with the attempt number.
type Backoff struct {
	Base   time.Duration
	jitter func() float64
}

func NewBackoff(base time.Duration) Backoff {
	return Backoff{Base: base, jitter: rand.Float64}
}

// Delay is the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	step := b.Base
	for i := 1; i < attempt && step < maxBackoffStep; i++ {
		step <<= 1
	}
	if step > maxBackoffStep {
		step = maxBackoffStep
	}

	j := 0.0
	if b.jitter != nil {
		j = b.jitter()
	}
	return step + time.Duration(float64(step)*0.5*j)
}
