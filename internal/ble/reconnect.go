package ble

import (
	"errors"
	"time"

	"github.com/mcuadros/go-defaults"
)

// ReconnectAttempt tracks consecutive failures within one disconnection
// episode. It resets when the machine reaches Ready.
type ReconnectAttempt struct {
	Number      int
	LastFailure time.Time
}

// Decision is the outcome of ReconnectPolicy.Next.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// ReconnectPolicy is a bounded exponential backoff. Zero fields are filled
// from the default tags by WithDefaults. A negative MaxAttempts retries
// forever, still throttled by the backoff.
type ReconnectPolicy struct {
	InitialDelay time.Duration `default:"1s"`
	MaxDelay     time.Duration `default:"30s"`
	MaxAttempts  int           `default:"10"`
}

// DefaultReconnectPolicy returns the policy used when nothing is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{}.WithDefaults()
}

// WithDefaults returns p with zero fields set to their defaults.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	defaults.SetDefaults(&p)
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Next decides what to do after the failure recorded in a. a.Number is the
// 1-based count of consecutive failures, including the current one.
func (p ReconnectPolicy) Next(a ReconnectAttempt, reason error) Decision {
	if errors.Is(reason, ErrUnsupported) || errors.Is(reason, ErrDescriptorMissing) {
		return Decision{GiveUp: true}
	}
	if p.MaxAttempts >= 0 && a.Number > p.MaxAttempts {
		return Decision{GiveUp: true}
	}
	n := a.Number - 1
	if n < 0 {
		n = 0
	}
	return Decision{Delay: backoffDelay(n, p.InitialDelay, p.MaxDelay)}
}

// backoffDelay returns initial * 2^attempt, capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return max
	}
	// Doubling stops at the cap so large attempt numbers cannot overflow.
	for i := 0; i < attempt; i++ {
		if initial >= max/2+1 {
			return max
		}
		initial *= 2
	}
	if initial > max {
		return max
	}
	return initial
}
