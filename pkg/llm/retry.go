package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryOptions tunes RetryProvider.
type RetryOptions struct {
	// MaxAttempts includes the first call (default 3).
	MaxAttempts int
	// BaseDelay doubles per attempt (default 500ms) up to MaxDelay (default 10s).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the +/- fraction applied to each delay (default 0.3).
	Jitter float64
	Logger *zap.Logger
}

// RetryProvider retries Transient errors with exponential backoff and
// jitter. Permanent errors return immediately.
type RetryProvider struct {
	inner Provider
	opts  RetryOptions
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps p.
func WithRetry(p Provider, opts RetryOptions) *RetryProvider {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = 0.3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RetryProvider{inner: p, opts: opts, sleep: sleepCtx}
}

func (r *RetryProvider) Name() string { return r.inner.Name() }

// Backoff returns the delay before retry number attempt (1-based).
func (r *RetryProvider) Backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), 30)
	delay := r.opts.BaseDelay << shift
	if delay <= 0 || delay > r.opts.MaxDelay {
		delay = r.opts.MaxDelay
	}
	jitter := time.Duration(float64(delay) * r.opts.Jitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (r *RetryProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return retry(ctx, r, func() (*Response, error) { return r.inner.Complete(ctx, req) })
}

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return retry(ctx, r, func() (Stream, error) { return r.inner.Stream(ctx, req) })
}

func retry[T any](ctx context.Context, r *RetryProvider, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := r.Backoff(attempt)
			r.opts.Logger.Debug("retrying provider call",
				zap.String("provider", r.inner.Name()),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", d),
				zap.Error(lastErr))
			if err := r.sleep(ctx, d); err != nil {
				return zero, err
			}
		}
		out, err := call()
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s: %d attempts: %w", r.inner.Name(), r.opts.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FallbackProvider tries providers in order. It moves on only after a
// Transient failure; a Permanent failure stops the chain.
type FallbackProvider struct {
	providers []Provider
	logger    *zap.Logger
}

// WithFallback chains providers. Wrap each in WithRetry first to retry
// before falling back.
func WithFallback(logger *zap.Logger, providers ...Provider) *FallbackProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackProvider{providers: providers, logger: logger}
}

func (f *FallbackProvider) Name() string {
	if len(f.providers) == 0 {
		return "fallback"
	}
	return f.providers[0].Name()
}

func (f *FallbackProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return fallback(f, func(p Provider) (*Response, error) { return p.Complete(ctx, req) })
}

func (f *FallbackProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return fallback(f, func(p Provider) (Stream, error) { return p.Stream(ctx, req) })
}

func fallback[T any](f *FallbackProvider, call func(Provider) (T, error)) (T, error) {
	var zero T
	if len(f.providers) == 0 {
		return zero, ErrNoProvider
	}
	var errs []error
	for i, p := range f.providers {
		out, err := call(p)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
		if !IsTransient(err) {
			return zero, err
		}
		if i < len(f.providers)-1 {
			f.logger.Warn("provider failed, falling back",
				zap.String("provider", p.Name()),
				zap.String("next", f.providers[i+1].Name()),
				zap.Error(err))
		}
	}
	return zero, errors.Join(errs...)
}
