package chat

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
)

// ReconnectPolicy decides how long a Reconnecting session waits before the next attempt.
// Attempts never stop on their own; only Close ends them.
type ReconnectPolicy struct {
	// Delay is the fixed wait, or the first wait when Exponential is set.
	Delay time.Duration
	// Exponential doubles the wait after every failed attempt, capped at MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: DefaultReconnectDelay, MaxDelay: DefaultReconnectMaxDelay}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultReconnectMaxDelay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	return p
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	p = p.withDefaults()
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextDelay never returns backoff.Stop: a session keeps retrying until closed.
func nextDelay(b backoff.BackOff, fallback time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return fallback
	}
	return d
}
