package client

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 5
)

// ReconnectDelay is the wait before retry number attempt+1 when the
// counter currently reads attempt: min(1s * 2^attempt, 10s).
func ReconnectDelay(attempt int) time.Duration {
	return reconnectDelay(attempt, DefaultBaseDelay, DefaultMaxDelay)
}

func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// newReconnectBackOff yields base, 2*base, ... capped at max, and Stop
// after attempts delays.
func newReconnectBackOff(base, max time.Duration, attempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.MaxInterval = max
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(attempts))
}
