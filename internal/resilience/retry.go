package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryOptions controls WithRetry. Zero-value delay, multiplier and jitter
// fields are replaced with the values from DefaultRetryOptions.
type RetryOptions struct {
	// Name labels the retried dependency in metrics (e.g., "model:anthropic").
	Name string

	// MaxRetries is the number of retries after the first attempt. fn is
	// called at most MaxRetries+1 times. Zero disables retries.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the un-jittered delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// Jitter is the symmetric fraction applied to each delay (0.2 = ±20%).
	Jitter float64

	// Classify decides whether an error is retryable. Defaults to IsRetryable.
	Classify func(error) bool

	// OnRetry is called before sleeping ahead of retry number attempt (1-based).
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryOptions returns 3 retries starting at 500ms, doubling up to
// 10s, with ±20% jitter.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
		Classify:   IsRetryable,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = d.Multiplier
	}
	if o.Jitter <= 0 {
		o.Jitter = d.Jitter
	}
	if o.Classify == nil {
		o.Classify = d.Classify
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Name == "" {
		o.Name = "unnamed"
	}
	return o
}

// Backoff returns the un-jittered delay before retry number attempt
// (0-based): min(base * multiplier^attempt, max).
func (o RetryOptions) Backoff(attempt int) time.Duration {
	o = o.withDefaults()
	d := float64(o.BaseDelay) * math.Pow(o.Multiplier, float64(attempt))
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

func (o RetryOptions) jittered(attempt int) time.Duration {
	d := float64(o.Backoff(attempt))
	d *= 1 + o.Jitter*(2*rand.Float64()-1)
	return time.Duration(d)
}

// WithRetry calls fn until it succeeds, the classifier rejects the error, the
// retry budget is spent, or ctx is done. The last error is returned.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= opts.MaxRetries || !opts.Classify(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := opts.jittered(attempt)
		retriesTotal.WithLabelValues(opts.Name).Inc()
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt+1, delay)
		}
		if !sleepCtx(ctx, delay) {
			return zero, errors.Join(err, ctx.Err())
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
