package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// DefaultCategory is used for calls that do not name a bucket.
const DefaultCategory = "default"

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity          float64
	RefillPerInterval float64
	Interval          time.Duration
}

func (c BucketConfig) limit() rate.Limit {
	return rate.Limit(c.RefillPerInterval / c.Interval.Seconds())
}

// RateLimiter holds one token bucket per endpoint category. Buckets are
// created lazily on first use and live for the process lifetime.
type RateLimiter struct {
	mu      sync.Mutex
	configs map[string]BucketConfig
	buckets map[string]*rate.Limiter
	now     func() time.Time
	sleep   SleepFunc
	logger  *zap.Logger
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock sets the time source used for refills.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// WithLimiterSleep replaces the suspension used by Acquire.
func WithLimiterSleep(sleep SleepFunc) RateLimiterOption {
	return func(l *RateLimiter) {
		l.sleep = sleep
	}
}

// WithLimiterLogger sets the logger
func WithLimiterLogger(log *zap.Logger) RateLimiterOption {
	return func(l *RateLimiter) {
		l.logger = logger.OrNop(log)
	}
}

// NewRateLimiter creates a limiter. configs must contain DefaultCategory or
// unknown categories fall back to a 20/10-per-second bucket.
func NewRateLimiter(configs map[string]BucketConfig, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		configs: make(map[string]BucketConfig, len(configs)),
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
		sleep:   SleepContext,
		logger:  zap.NewNop(),
	}
	for category, cfg := range configs {
		l.configs[category] = cfg
	}
	if _, ok := l.configs[DefaultCategory]; !ok {
		l.configs[DefaultCategory] = BucketConfig{Capacity: 20, RefillPerInterval: 10, Interval: time.Second}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RateLimiter) bucket(category string) (*rate.Limiter, BucketConfig) {
	if category == "" {
		category = DefaultCategory
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[category]
	if !ok {
		cfg = l.configs[DefaultCategory]
	}
	b, ok := l.buckets[category]
	if !ok {
		// rate.Limiter starts full and refills continuously up to burst.
		b = rate.NewLimiter(cfg.limit(), int(cfg.Capacity))
		// Anchor the bucket to the injected clock so refill is measured from
		// creation rather than from the zero time.
		b.SetLimitAt(l.now(), cfg.limit())
		l.buckets[category] = b
	}
	return b, cfg
}

// TryAcquire refills the bucket for elapsed time and debits cost tokens if
// they are available.
func (l *RateLimiter) TryAcquire(category string, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	b, _ := l.bucket(category)
	return b.AllowN(l.now(), cost)
}

// Tokens reports the tokens currently available in a category's bucket.
func (l *RateLimiter) Tokens(category string) float64 {
	b, _ := l.bucket(category)
	return b.TokensAt(l.now())
}

// Acquire debits cost tokens, suspending the caller until enough tokens have
// been refilled.
func (l *RateLimiter) Acquire(ctx context.Context, category string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	b, cfg := l.bucket(category)
	if float64(cost) > cfg.Capacity {
		return apierror.New(apierror.KindValidation,
			fmt.Sprintf("cost %d exceeds %s bucket capacity %.0f", cost, category, cfg.Capacity))
	}

	for {
		now := l.now()
		if b.AllowN(now, cost) {
			return nil
		}

		tokens := b.TokensAt(now)
		wait := time.Duration((float64(cost) - tokens) / cfg.RefillPerInterval * float64(cfg.Interval))
		if wait <= 0 {
			wait = time.Millisecond
		}

		l.logger.Debug("rate limit reached, waiting for tokens",
			zap.String("category", category),
			zap.Int("cost", cost),
			zap.Duration("wait", wait),
		)

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RateLimited wraps fn so every invocation first acquires cost tokens from
// category.
func RateLimited(l *RateLimiter, category string, cost int, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := l.Acquire(ctx, category, cost); err != nil {
			return err
		}
		return fn(ctx)
	}
}

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the real SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
