package market

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy bounds live feed reconnection.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy waits 1s, 2s, 4s, 8s, 16s and then gives up.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// newBackOff returns a jitter-free doubling schedule capped at Max.
func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delays lists the waits the policy produces before giving up.
func (p ReconnectPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	b := p.newBackOff()
	out := make([]time.Duration, p.MaxAttempts)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
