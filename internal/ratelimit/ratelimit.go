package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
)

// HostThrottle paces requests per host: a token bucket, then a randomized
// pause between minDelay and maxDelay. A host that blocked us is refused
// until its cool-down expires.
type HostThrottle struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	cooldowns map[string]time.Time
	limit     rate.Limit
	minDelay  time.Duration
	maxDelay  time.Duration
	now       func() time.Time
}

// NewHostThrottle creates a throttle allowing reqPerSec requests per host
// (burst 1) with a random extra delay in [minDelay, maxDelay].
func NewHostThrottle(reqPerSec float64, minDelay, maxDelay time.Duration) *HostThrottle {
	limit := rate.Limit(reqPerSec)
	if reqPerSec <= 0 {
		limit = rate.Inf
	}
	return &HostThrottle{
		limiters:  make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
		limit:     limit,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
	}
}

func (t *HostThrottle) limiterFor(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lim, ok := t.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(t.limit, 1)
	t.limiters[host] = lim
	return lim
}

// Wait blocks until a request to host may be made. It fails fast with an
// error wrapping model.ErrBlocked while the host is cooling down.
func (t *HostThrottle) Wait(ctx context.Context, host string) error {
	if until, ok := t.CoolingDown(host); ok {
		return fmt.Errorf("host %s cooling down until %s: %w", host, until.Format(time.RFC3339), model.ErrBlocked)
	}

	if err := t.limiterFor(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", host, err)
	}

	delay := t.jitter()
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limiter wait for %s: %w", host, ctx.Err())
	case <-time.After(delay):
	}
	return nil
}

func (t *HostThrottle) jitter() time.Duration {
	if t.maxDelay <= t.minDelay {
		return t.minDelay
	}
	return t.minDelay + rand.N(t.maxDelay-t.minDelay)
}

// Penalize refuses requests to host for d. A longer existing cool-down is kept.
func (t *HostThrottle) Penalize(host string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	until := t.now().Add(d)
	if cur, ok := t.cooldowns[host]; ok && cur.After(until) {
		return
	}
	t.cooldowns[host] = until
}

// CoolingDown reports whether host is penalized and until when.
func (t *HostThrottle) CoolingDown(host string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	until, ok := t.cooldowns[host]
	if !ok {
		return time.Time{}, false
	}
	if !t.now().Before(until) {
		delete(t.cooldowns, host)
		return time.Time{}, false
	}
	return until, true
}

// ThrottledSource is a decorator that paces every call to the wrapped
// JobSource through a shared HostThrottle and starts a cool-down when the
// site signals a block.
type ThrottledSource struct {
	inner    model.JobSource
	throttle *HostThrottle
	host     string
	cooldown time.Duration
}

// NewThrottledSource wraps a JobSource with per-host throttling.
func NewThrottledSource(inner model.JobSource, throttle *HostThrottle, host string, cooldown time.Duration) *ThrottledSource {
	return &ThrottledSource{
		inner:    inner,
		throttle: throttle,
		host:     host,
		cooldown: cooldown,
	}
}

// observe records the request and penalizes the host on a block. The
// cool-down honours a longer Retry-After.
func (s *ThrottledSource) observe(kind string, err error) {
	switch {
	case err == nil:
		metrics.SiteRequests.WithLabelValues(kind, "ok").Inc()
	case errors.Is(err, model.ErrBlocked):
		metrics.SiteRequests.WithLabelValues(kind, "blocked").Inc()
		d := s.cooldown
		var httpErr *model.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > d {
			d = httpErr.RetryAfter
		}
		s.throttle.Penalize(s.host, d)
	default:
		metrics.SiteRequests.WithLabelValues(kind, "error").Inc()
	}
}

func (s *ThrottledSource) Reachable(ctx context.Context) error {
	if err := s.throttle.Wait(ctx, s.host); err != nil {
		return err
	}
	err := s.inner.Reachable(ctx)
	s.observe("reachable", err)
	return err
}

func (s *ThrottledSource) Newest(ctx context.Context, c model.Category) (model.Job, error) {
	if err := s.throttle.Wait(ctx, s.host); err != nil {
		return model.Job{}, err
	}
	job, err := s.inner.Newest(ctx, c)
	s.observe("newest", err)
	return job, err
}

func (s *ThrottledSource) ListingPage(ctx context.Context, c model.Category, page int) ([]model.Job, error) {
	if err := s.throttle.Wait(ctx, s.host); err != nil {
		return nil, err
	}
	jobs, err := s.inner.ListingPage(ctx, c, page)
	s.observe("listing", err)
	return jobs, err
}

func (s *ThrottledSource) Detail(ctx context.Context, job model.Job) (model.Job, error) {
	if err := s.throttle.Wait(ctx, s.host); err != nil {
		return job, err
	}
	out, err := s.inner.Detail(ctx, job)
	s.observe("detail", err)
	return out, err
}
