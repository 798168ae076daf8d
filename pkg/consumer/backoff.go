package consumer

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ordergrid/eventing/pkg/config"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 8 * time.Second
)

// Backoff is a multiplicative delay schedule with a ceiling.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before retry n (1-based): Base * Multiplier^(n-1),
// capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 0)) {
		return b.Max
	}
	return time.Duration(delay)
}

// RetryPolicy bounds how often a handler is invoked for one message.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		Backoff: Backoff{
			Base:       defaultBaseDelay,
			Multiplier: defaultMultiplier,
			Max:        defaultMaxDelay,
		},
	}
}

// PolicyFromConfig builds a policy from consumer settings, falling back to the
// defaults for unset fields.
func PolicyFromConfig(cfg config.ConsumerConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: Backoff{
			Base:       cfg.BaseDelay,
			Multiplier: cfg.Multiplier,
			Max:        cfg.MaxDelay,
		},
	}.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff.Base <= 0 {
		p.Backoff.Base = def.Backoff.Base
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = def.Backoff.Max
	}
	return p
}

// schedule returns a fresh per-message backoff that yields MaxAttempts-1 delays.
func (p RetryPolicy) schedule() retry.Backoff {
	retryN := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		retryN++
		return p.Backoff.Delay(retryN), false
	})
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), next)
}
