package provider

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behaviour with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // retries after the initial attempt
	BaseDelay         float64 // seconds
	MaxDelay          float64 // seconds
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns 2 retries, 1s base, 30s cap, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          30.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := p.BaseDelay * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, p.MaxDelay)
	}
	if p.Jitter {
		// +/- 50%
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry executes fn, retrying only errors for which IsRetryable is true.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}
		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}
	return zero, err
}

// WithRetry wraps a provider so every Chat call follows policy.
func WithRetry(p LLMProvider, policy RetryPolicy) LLMProvider {
	return &retrying{inner: p, policy: policy}
}

type retrying struct {
	inner  LLMProvider
	policy RetryPolicy
}

func (r *retrying) DefaultModel() string { return r.inner.DefaultModel() }

func (r *retrying) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return Retry(ctx, r.policy, func(ctx context.Context) (*ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}
