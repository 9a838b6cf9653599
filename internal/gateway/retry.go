package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// RetryConfig controls one call's retry budget and pacing.
type RetryConfig struct {
	NumberOfRetries      int
	BackoffFactor        float64
	BaseInterval         time.Duration
	MaxWait              time.Duration
	RetryableStatusCodes []int
	// Category is the rate-limit bucket charged before every attempt.
	Category string
	Cost     int
}

// DefaultRetryConfig returns the standard retry policy for category.
func DefaultRetryConfig(category string) RetryConfig {
	return RetryConfig{
		NumberOfRetries:      3,
		BackoffFactor:        2,
		BaseInterval:         time.Second,
		MaxWait:              60 * time.Second,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
		Category:             category,
		Cost:                 1,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig(c.Category)
	if c.NumberOfRetries < 0 {
		c.NumberOfRetries = 0
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = def.BaseInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	if c.RetryableStatusCodes == nil {
		c.RetryableStatusCodes = def.RetryableStatusCodes
	}
	if c.Category == "" {
		c.Category = DefaultCategory
	}
	if c.Cost <= 0 {
		c.Cost = 1
	}
	return c
}

// Executor runs an outbound call with rate limiting, classification-driven
// retry and exponential backoff.
type Executor struct {
	limiter *RateLimiter
	sleep   SleepFunc
	logger  *zap.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithExecutorSleep replaces the backoff suspension.
func WithExecutorSleep(sleep SleepFunc) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(log *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger.OrNop(log)
	}
}

// NewExecutor creates an executor charging limiter before each attempt.
func NewExecutor(limiter *RateLimiter, opts ...ExecutorOption) *Executor {
	e := &Executor{
		limiter: limiter,
		sleep:   SleepContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseInterval,
		RandomizationFactor: 0,
		Multiplier:          cfg.BackoffFactor,
		MaxInterval:         cfg.MaxWait,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do invokes call until it succeeds, fails terminally or the retry budget is
// spent. Every returned error is an *apierror.Error with a status code.
func (e *Executor) Do(ctx context.Context, cfg RetryConfig, call func(context.Context) error) error {
	cfg = cfg.withDefaults()
	schedule := newBackOff(cfg)

	for attempt := 0; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx, cfg.Category, cfg.Cost); err != nil {
				return enhance(err)
			}
		}

		err := call(ctx)
		if err == nil {
			return nil
		}

		// The caller gave up; its own deadline is not a transient upstream fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apierror.Wrap(apierror.KindTimeout, ctxErr, "request cancelled")
		}

		if !isRetryable(err, cfg.RetryableStatusCodes) || attempt >= cfg.NumberOfRetries {
			return enhance(err)
		}

		wait := schedule.NextBackOff()
		if ae, ok := apierror.As(err); ok && ae.StatusCode == http.StatusTooManyRequests && ae.RetryAfter > wait {
			wait = min(ae.RetryAfter, cfg.MaxWait)
		}

		e.logger.Warn("outbound call failed, retrying",
			zap.String("category", cfg.Category),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.NumberOfRetries),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		if err := e.sleep(ctx, wait); err != nil {
			return apierror.Wrap(apierror.KindTimeout, err, "request cancelled during backoff")
		}
	}
}

// isRetryable classifies err: retryable statuses, 429, and connection
// reset/refused/timeout transport failures. Everything else is terminal.
func isRetryable(err error, retryableStatusCodes []int) bool {
	if ae, ok := apierror.As(err); ok {
		if ae.StatusCode == http.StatusTooManyRequests || slices.Contains(retryableStatusCodes, ae.StatusCode) {
			return true
		}
		if ae.Kind == apierror.KindTimeout {
			return true
		}
		if ae.Err == nil {
			return false
		}
		return isTransportError(ae.Err)
	}
	return isTransportError(err)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NormalizeTransportError converts an error returned by http.Client.Do into
// an *apierror.Error.
func NormalizeTransportError(err error) *apierror.Error {
	if ae, ok := apierror.As(err); ok {
		return ae
	}
	kind, msg := apierror.KindNetwork, "platform request failed"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind, msg = apierror.KindTimeout, "platform request timed out"
	}
	// No response was received, so there is no upstream status to report.
	return &apierror.Error{Kind: kind, Message: msg, Err: err}
}

// enhance guarantees a numeric status and a stable code on a terminal error.
func enhance(err error) error {
	ae, ok := apierror.As(err)
	if !ok {
		if isTransportError(err) {
			ae = NormalizeTransportError(err)
		} else {
			ae = apierror.Wrap(apierror.KindUnknown, err, "outbound call failed")
		}
		ae.StatusCode = http.StatusInternalServerError
	}
	if ae.StatusCode == 0 {
		ae.StatusCode = http.StatusInternalServerError
	}
	if ae.Kind == "" {
		ae.Kind = apierror.KindFromStatus(ae.StatusCode)
	}
	if ae.Message == "" {
		ae.Message = fmt.Sprintf("platform request failed with status %d", ae.StatusCode)
	}
	ae.Retryable = false
	return ae
}
