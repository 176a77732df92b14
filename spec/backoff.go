package spec

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffDelay returns the delay before retry n (1-based) of an exponential
// backoff starting at initial and capped at max, without jitter
func BackoffDelay(initial, max time.Duration, n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
