package ws

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Jitter  float64 // fraction of the delay randomized, 0 disables
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.2}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}
	if b.Jitter > 0 {
		spread := time.Duration(float64(d) * b.Jitter)
		if spread > 0 {
			d = d - spread + rand.N(2*spread)
		}
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
