package ratelimit

import (
	"context"
	"time"
)

// Limits caps throughput per rolling minute and hour window. Zero disables a window.
type Limits struct {
	PerMinute int
	PerHour   int
}

func (l Limits) IsZero() bool {
	return l.PerMinute <= 0 && l.PerHour <= 0
}

// Decision is the result of a single admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter controls throughput per key (a provider name or a batch id).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limits Limits, n int) (Decision, error)
	Wait(ctx context.Context, key string, limits Limits, n int) error
}

// Noop admits everything.
type Noop struct{}

var _ RateLimiter = Noop{}

func (Noop) Allow(context.Context, string, Limits, int) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (Noop) Wait(ctx context.Context, _ string, _ Limits, _ int) error {
	return ctx.Err()
}
