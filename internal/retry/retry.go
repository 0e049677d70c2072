package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/amishk599/gigradar/internal/model"
)

// Policy bounds a retry loop. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt ceiling is reached. The last error is returned.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(p.BaseDelay, attempt-1, lastErr)

			logger.Warn("retrying after transient error",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, lastErr
}

// Backoff computes the delay before retry number n (1-based) with ±30% jitter.
// If the error includes a Retry-After duration (HTTP 429), that takes precedence.
func Backoff(base time.Duration, n int, err error) time.Duration {
	var httpErr *model.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}

	// Exponential: base * 2^(n-1)
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
	}

	// Apply ±30% jitter
	jitter := float64(delay) * 0.3
	delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)

	return delay
}

// IsRetryable returns true if the error represents a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation: never retry.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Blocked: the host cool-down decides when to try again, not this loop.
	if errors.Is(err, model.ErrBlocked) {
		return false
	}

	// The page came back but its structure is not what we expect.
	var parseErr *model.ParseError
	if errors.As(err, &parseErr) {
		return false
	}

	var httpErr *model.HTTPError
	if errors.As(err, &httpErr) {
		// 429 Too Many Requests: retryable.
		if httpErr.StatusCode == 429 {
			return true
		}
		// 5xx: retryable.
		if httpErr.StatusCode >= 500 {
			return true
		}
		// 4xx (not 429): not retryable.
		return false
	}

	// Non-HTTP errors (network, DNS, etc.): retryable.
	return true
}

// RetrySource is a decorator that retries each JobSource call independently,
// so one failing page or detail lookup never costs more than its own attempts.
type RetrySource struct {
	inner  model.JobSource
	policy Policy
	logger *slog.Logger
}

// NewRetrySource wraps a JobSource with retry logic.
func NewRetrySource(inner model.JobSource, policy Policy, logger *slog.Logger) *RetrySource {
	return &RetrySource{
		inner:  inner,
		policy: policy,
		logger: logger,
	}
}

func (s *RetrySource) Reachable(ctx context.Context) error {
	_, err := Do(ctx, s.policy, s.logger, "reachable", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Reachable(ctx)
	})
	return err
}

func (s *RetrySource) Newest(ctx context.Context, c model.Category) (model.Job, error) {
	return Do(ctx, s.policy, s.logger.With("category", c.Name), "newest", func(ctx context.Context) (model.Job, error) {
		return s.inner.Newest(ctx, c)
	})
}

func (s *RetrySource) ListingPage(ctx context.Context, c model.Category, page int) ([]model.Job, error) {
	return Do(ctx, s.policy, s.logger.With("category", c.Name, "page", page), "listing", func(ctx context.Context) ([]model.Job, error) {
		return s.inner.ListingPage(ctx, c, page)
	})
}

func (s *RetrySource) Detail(ctx context.Context, job model.Job) (model.Job, error) {
	out, err := Do(ctx, s.policy, s.logger.With("job_id", job.ID), "detail", func(ctx context.Context) (model.Job, error) {
		return s.inner.Detail(ctx, job)
	})
	if err != nil {
		return job, err
	}
	return out, nil
}
