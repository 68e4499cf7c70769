package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	backoffStep = 10 * time.Millisecond
	backoffMax  = time.Second
)

// A limit of 0 in ARGV disables that window. Counters only move when every
// window admits the whole increment.
var allowScript = goredis.NewScript(`
local increment = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])

local minuteCurrent = tonumber(redis.call("GET", KEYS[1]) or "0")
local hourCurrent = tonumber(redis.call("GET", KEYS[2]) or "0")

if minuteLimit > 0 and minuteCurrent + increment > minuteLimit then
  return 1
end
if hourLimit > 0 and hourCurrent + increment > hourLimit then
  return 2
end

if redis.call("INCRBY", KEYS[1], increment) == increment then
  redis.call("EXPIRE", KEYS[1], ARGV[4])
end
if redis.call("INCRBY", KEYS[2], increment) == increment then
  redis.call("EXPIRE", KEYS[2], ARGV[5])
end
return 0
`)

const (
	verdictAllowed = 0
	verdictMinute  = 1
	verdictHour    = 2
)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window limiter with a per-minute
// and a per-hour window, both checked atomically.
type RedisRateLimiter struct {
	client goredis.Cmdable
	prefix string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	script *goredis.Script
}

func NewRedisRateLimiter(client goredis.Cmdable) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client goredis.Cmdable,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		prefix: "ratelimit",
		now:    nowFn,
		sleep:  sleepFn,
		script: allowScript,
	}, nil
}

// Allow admits n units for key when both windows have room. A denied
// decision carries the time until the blocking window rolls over.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limits ratelimit.Limits, n int) (ratelimit.Decision, error) {
	if r == nil || r.client == nil || r.script == nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return ratelimit.Decision{}, fmt.Errorf("rate limit key is required")
	}
	if n <= 0 {
		n = 1
	}
	if limits.IsZero() {
		return ratelimit.Decision{Allowed: true}, nil
	}
	if exceedsWindow(n, limits.PerMinute) || exceedsWindow(n, limits.PerHour) {
		return ratelimit.Decision{}, fmt.Errorf("request of %d exceeds the rate limit window", n)
	}

	now := r.now().UTC()
	minute := now.Truncate(time.Minute)
	hour := now.Truncate(time.Hour)
	keys := []string{
		fmt.Sprintf("%s:%s:m:%d", r.prefix, normalizedKey, minute.Unix()),
		fmt.Sprintf("%s:%s:h:%d", r.prefix, normalizedKey, hour.Unix()),
	}

	verdict, err := r.script.Run(ctx, r.client, keys,
		n,
		max(limits.PerMinute, 0),
		max(limits.PerHour, 0),
		int((2 * time.Minute).Seconds()),
		int((2 * time.Hour).Seconds()),
	).Int()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	switch verdict {
	case verdictAllowed:
		return ratelimit.Decision{Allowed: true}, nil
	case verdictMinute:
		return ratelimit.Decision{RetryAfter: minute.Add(time.Minute).Sub(now)}, nil
	default:
		return ratelimit.Decision{RetryAfter: hour.Add(time.Hour).Sub(now)}, nil
	}
}

// Wait blocks until n units are admitted or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string, limits ratelimit.Limits, n int) error {
	backoff := backoffStep
	for {
		decision, err := r.Allow(ctx, key, limits, n)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}

		delay := backoff
		if decision.RetryAfter > 0 {
			delay = decision.RetryAfter
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func exceedsWindow(n, limit int) bool {
	return limit > 0 && n > limit
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
