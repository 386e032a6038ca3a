package syncclient

import (
	"math"
	"time"
)

// Backoff computes poll intervals. After the Nth unchanged poll in a row the
// interval is min(Max, Min*Factor^(N-1)); a changed poll resets it to Boost.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Boost  time.Duration
	Factor float64
	streak int
}

func (b *Backoff) Next(changed bool) time.Duration {
	if changed {
		b.streak = 0
		return b.Boost
	}
	b.streak++
	d := float64(b.Min) * math.Pow(b.Factor, float64(b.streak-1))
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
