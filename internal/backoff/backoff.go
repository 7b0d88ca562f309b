// Package backoff provides the wait strategies used between liveness probes and drone registration attempts.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Strategy computes how long to wait after the given failed attempt (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval after every attempt. Probes use it with 500ms.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits Initial*attempt, capped at Max when Max is set.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles the wait after every attempt, capped at Max when Max is set.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Parse builds a strategy from a name and its base interval. Linear and exponential strategies are capped at
// 8 times the base interval.
func Parse(name string, interval time.Duration) (Strategy, error) {
	switch name {
	case "", "constant":
		return NewConstant(interval), nil
	case "linear":
		return NewLinear(interval, 8*interval), nil
	case "exponential":
		return NewExponential(interval, 8*interval), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}

// Sleep waits for d or until ctx is done, whichever comes first. It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
