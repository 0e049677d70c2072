package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/amishk599/gigradar/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockSource calls a function on each ListingPage invocation, tracking call count.
type mockSource struct {
	calls int
	fn    func(attempt int) ([]model.Job, error)
}

func (m *mockSource) Reachable(_ context.Context) error {
	m.calls++
	_, err := m.fn(m.calls)
	return err
}

func (m *mockSource) Newest(_ context.Context, _ model.Category) (model.Job, error) {
	m.calls++
	jobs, err := m.fn(m.calls)
	if len(jobs) == 0 {
		return model.Job{}, err
	}
	return jobs[0], err
}

func (m *mockSource) ListingPage(_ context.Context, _ model.Category, _ int) ([]model.Job, error) {
	m.calls++
	return m.fn(m.calls)
}

func (m *mockSource) Detail(_ context.Context, job model.Job) (model.Job, error) {
	m.calls++
	_, err := m.fn(m.calls)
	if err == nil {
		job.HiringRate = model.RateOf(70)
	}
	return job, err
}

var fastPolicy = Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	mock := &mockSource{fn: func(_ int) ([]model.Job, error) {
		return []model.Job{{ID: 1, Title: "Logo design"}}, nil
	}}

	rs := NewRetrySource(mock, fastPolicy, discardLogger())
	got, err := rs.ListingPage(context.Background(), model.Category{ID: 1}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected jobs: %v", got)
	}
	if mock.calls != 1 {
		t.Fatalf("expected 1 call, got %d", mock.calls)
	}
}

func TestRetry_RetriesOn5xx_SucceedsOnSecondAttempt(t *testing.T) {
	mock := &mockSource{fn: func(attempt int) ([]model.Job, error) {
		if attempt == 1 {
			return nil, &model.HTTPError{StatusCode: 503}
		}
		return []model.Job{{ID: 1}}, nil
	}}

	rs := NewRetrySource(mock, fastPolicy, discardLogger())
	got, err := rs.ListingPage(context.Background(), model.Category{ID: 1}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 job, got %d", len(got))
	}
	if mock.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", mock.calls)
	}
}

func TestRetry_DoesNotRetryOn4xx(t *testing.T) {
	mock := &mockSource{fn: func(_ int) ([]model.Job, error) {
		return nil, &model.HTTPError{StatusCode: 404}
	}}

	rs := NewRetrySource(mock, fastPolicy, discardLogger())
	_, err := rs.Newest(context.Background(), model.Category{ID: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.calls != 1 {
		t.Fatalf("expected 1 call (no retry on 404), got %d", mock.calls)
	}
}

func TestRetry_DoesNotRetryParseOrBlock(t *testing.T) {
	for _, failure := range []error{
		&model.ParseError{What: "listing"},
		fmt.Errorf("HTTP 429: %w", model.ErrBlocked),
	} {
		mock := &mockSource{fn: func(_ int) ([]model.Job, error) { return nil, failure }}
		rs := NewRetrySource(mock, fastPolicy, discardLogger())
		if _, err := rs.ListingPage(context.Background(), model.Category{ID: 1}, 1); err == nil {
			t.Fatalf("%v: expected error", failure)
		}
		if mock.calls != 1 {
			t.Errorf("%v: expected 1 call, got %d", failure, mock.calls)
		}
	}
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := &mockSource{fn: func(_ int) ([]model.Job, error) {
		return nil, errors.New("connection refused")
	}}

	rs := NewRetrySource(mock, fastPolicy, discardLogger())
	job, err := rs.Detail(context.Background(), model.Job{ID: 9})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if job.ID != 9 || job.HiringRate.Known() {
		t.Errorf("Detail should hand back the job unchanged on failure, got %+v", job)
	}
	if mock.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", mock.calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	mock := &mockSource{fn: func(_ int) ([]model.Job, error) {
		return nil, &model.HTTPError{StatusCode: 500}
	}}

	rs := NewRetrySource(mock, Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rs.Reachable(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick cancellation, took %v", elapsed)
	}
}

func TestBackoff_HonoursRetryAfter(t *testing.T) {
	err := &model.HTTPError{StatusCode: 429, RetryAfter: 42 * time.Second}
	if got := Backoff(time.Second, 1, err); got != 42*time.Second {
		t.Errorf("Backoff = %v, want 42s", got)
	}
}

func TestBackoff_GrowsExponentially(t *testing.T) {
	for n, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		got := Backoff(100*time.Millisecond, n, errors.New("x"))
		lo, hi := time.Duration(float64(want)*0.7), time.Duration(float64(want)*1.3)
		if got < lo || got > hi {
			t.Errorf("Backoff(n=%d) = %v, want within [%v, %v]", n, got, lo, hi)
		}
	}
}
