package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisRateLimiterAllowMinuteWindow(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_010, 0)
	limiter, err := newRedisRateLimiter(rdb, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	limits := ratelimit.Limits{PerMinute: 50}

	decision, err := limiter.Allow(context.Background(), "batch-1", limits, 50)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("first chunk should be allowed")
	}

	decision, err = limiter.Allow(context.Background(), "batch-1", limits, 1)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("minute window should be exhausted")
	}
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	if decision.RetryAfter != windowEnd.Sub(now) {
		t.Fatalf("RetryAfter = %s, want %s", decision.RetryAfter, windowEnd.Sub(now))
	}

	now = windowEnd
	decision, err = limiter.Allow(context.Background(), "batch-1", limits, 50)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("next minute window should allow the chunk")
	}
}

func TestRedisRateLimiterHourWindow(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_002_800, 0)
	limiter, err := newRedisRateLimiter(rdb, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	limits := ratelimit.Limits{PerMinute: 10, PerHour: 15}

	for i, want := range []bool{true, false} {
		decision, err := limiter.Allow(context.Background(), "twilio", limits, 10)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if decision.Allowed != want {
			t.Fatalf("call %d Allowed = %v, want %v", i, decision.Allowed, want)
		}
		now = now.Add(time.Minute)
	}

	decision, err := limiter.Allow(context.Background(), "twilio", limits, 5)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("remaining hour budget should admit 5")
	}

	decision, err = limiter.Allow(context.Background(), "twilio", limits, 1)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if decision.Allowed || decision.RetryAfter <= time.Minute {
		t.Fatalf("Allow() = %+v, want hour-window denial", decision)
	}
}

func TestRedisRateLimiterAllowPerKey(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_100, 0)
	limiter, err := newRedisRateLimiter(rdb, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	limits := ratelimit.Limits{PerMinute: 1}

	for _, key := range []string{"smsmisr", "twilio"} {
		decision, err := limiter.Allow(context.Background(), key, limits, 1)
		if err != nil {
			t.Fatalf("Allow(%s) error = %v", key, err)
		}
		if !decision.Allowed {
			t.Fatalf("%s should be allowed on first request", key)
		}
	}

	decision, err := limiter.Allow(context.Background(), "SMSMISR", limits, 1)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("keys are case-insensitive; second request should be rejected")
	}
}

func TestRedisRateLimiterRejectsOversizedRequest(t *testing.T) {
	t.Parallel()

	limiter, err := newRedisRateLimiter(newTestRedisClient(t), nil, nil)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	if _, err := limiter.Allow(context.Background(), "k", ratelimit.Limits{PerMinute: 5}, 6); err == nil {
		t.Fatal("Allow() should reject a request larger than the window")
	}

	decision, err := limiter.Allow(context.Background(), "k", ratelimit.Limits{}, 1000)
	if err != nil || !decision.Allowed {
		t.Fatalf("Allow() without limits = %+v, %v", decision, err)
	}
}

func TestRedisRateLimiterWait(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_230, 0)
	var slept []time.Duration
	limiter, err := newRedisRateLimiter(
		rdb,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	limits := ratelimit.Limits{PerMinute: 1}

	if err := limiter.Wait(context.Background(), "push", limits, 1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := limiter.Wait(context.Background(), "push", limits, 1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(slept) != 1 || slept[0] != 50*time.Second {
		t.Fatalf("slept = %v, want one sleep until the minute rolls over", slept)
	}
}

func TestRedisRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)

	now := time.Unix(1_700_000_300, 0)
	limiter, err := newRedisRateLimiter(rdb, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}
	limits := ratelimit.Limits{PerMinute: 1}

	if err := limiter.Wait(context.Background(), "sms", limits, 1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx, "sms", limits, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb
}
