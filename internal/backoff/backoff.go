// Package backoff computes exponential delays between attempts. It is a
// leaf shared by the event log client (reconnects) and the retry manager
// (redeliveries).
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures exponential backoff between attempts.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay regardless of attempt number.
	MaxDelay time.Duration

	// Multiplier controls exponential growth between attempts.
	Multiplier float64

	// Jitter randomizes each delay between zero and the computed backoff
	// (full jitter). Leave it off where callers need strictly increasing
	// delays between attempts.
	Jitter bool
}

// Processing is the backoff applied between redeliveries of a failed run
// event. No jitter: redeliveries are spaced per event, not per fleet, and
// monotonic delays keep the retry timeline readable in the audit trail.
func Processing() Policy {
	return Policy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
	}
}

// Connection is the backoff applied between reconnect attempts to the
// event log. Full jitter so a fleet of consumers does not hammer a
// recovering broker in lockstep.
func Connection() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay computes the backoff before the given attempt. Attempts are
// 1-indexed: Delay(1) is the pause before the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delayFloat := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}

	delay := time.Duration(delayFloat)

	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}

	return delay
}

// Sleep blocks for the backoff of the given attempt or until the context is
// cancelled, whichever comes first. Returns the context error on
// cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
