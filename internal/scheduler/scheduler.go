package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/poller"
)

// Matcher turns new jobs and broadcasts into notification tasks.
type Matcher interface {
	Match(ctx context.Context, jobs []model.Job) ([]model.Task, error)
	Broadcast(ctx context.Context, b model.Broadcast) ([]model.Task, error)
}

// Enqueuer accepts tasks without blocking.
type Enqueuer interface {
	Push(t model.Task)
}

// Store is what the loop reads besides the pollers' own writes.
type Store interface {
	JobsDiscoveredSince(ctx context.Context, since time.Time) ([]model.Job, error)
	PendingBroadcasts(ctx context.Context) ([]model.Broadcast, error)
	MarkBroadcastDispatched(ctx context.Context, id string) error
}

// Options configures the loop timing.
type Options struct {
	PollInterval   time.Duration
	FullScrape     cron.Schedule // unconditional full scrape of every category
	RecoveryWindow time.Duration // re-match jobs this recent on start; 0 disables
	CategoryPause  time.Duration // pause between categories within a cycle
}

// Scheduler owns the poller loop: smart polls every interval, full scrapes
// on the schedule, and inline matching of whatever was committed.
type Scheduler struct {
	pollers  []*poller.CategoryPoller
	site     model.JobSource
	enricher *poller.Enricher
	matcher  Matcher
	queue    Enqueuer
	store    Store
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	nextFull time.Time
	alive    atomic.Bool
	lastTick atomic.Int64
}

// NewScheduler creates a scheduler over the given category pollers. site is
// used for the reachability check that precedes every cycle.
func NewScheduler(
	pollers []*poller.CategoryPoller,
	site model.JobSource,
	enricher *poller.Enricher,
	matcher Matcher,
	queue Enqueuer,
	store Store,
	opts Options,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		pollers:  pollers,
		site:     site,
		enricher: enricher,
		matcher:  matcher,
		queue:    queue,
		store:    store,
		opts:     opts,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Alive reports whether Run is executing.
func (s *Scheduler) Alive() bool { return s.alive.Load() }

// LastTick returns when the last cycle finished, zero before the first.
func (s *Scheduler) LastTick() time.Time {
	ms := s.lastTick.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run re-matches recent jobs, runs one immediate full cycle, then ticks on
// the poll interval. It never starts a cycle while another is running and
// returns nil when ctx is cancelled (graceful shutdown).
func (s *Scheduler) Run(ctx context.Context) error {
	s.alive.Store(true)
	defer s.alive.Store(false)

	s.logger.Info("starting scheduler",
		"interval", s.opts.PollInterval.String(),
		"categories", len(s.pollers),
	)

	s.recoverRecent(ctx)
	s.nextFull = s.opts.FullScrape.Next(s.now())
	s.tick(ctx, true)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down scheduler")
			return nil
		case <-time.After(s.opts.PollInterval):
		}

		full := false
		if now := s.now(); !now.Before(s.nextFull) {
			full = true
			s.nextFull = s.opts.FullScrape.Next(now)
		}
		s.tick(ctx, full)
	}
}

// tick runs one cycle over every category.
func (s *Scheduler) tick(ctx context.Context, full bool) {
	defer s.lastTick.Store(s.now().UnixMilli())

	if err := s.site.Reachable(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("site unreachable, skipping cycle", "full", full, "error", err)
		if full {
			for _, p := range s.pollers {
				p.RecordSkipped(ctx, err)
			}
		}
		return
	}

	for i, p := range s.pollers {
		if ctx.Err() != nil {
			return
		}
		jobs, err := p.Poll(ctx, full)
		if err != nil {
			s.logger.Error("poll failed", "category", p.Category.Name, "error", err)
		}
		s.enqueueMatches(ctx, jobs)

		if i < len(s.pollers)-1 && s.opts.CategoryPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.CategoryPause):
			}
		}
	}

	if full && s.enricher != nil && ctx.Err() == nil {
		rated, err := s.enricher.FixRates(ctx)
		if err != nil {
			s.logger.Error("fixer-upper enrichment failed", "error", err)
		}
		s.enqueueMatches(ctx, rated)
	}

	s.enqueueBroadcasts(ctx)
}

func (s *Scheduler) enqueueMatches(ctx context.Context, jobs []model.Job) {
	if len(jobs) == 0 {
		return
	}
	tasks, err := s.matcher.Match(ctx, jobs)
	if err != nil {
		s.logger.Error("matching failed", "jobs", len(jobs), "error", err)
		return
	}
	for _, t := range tasks {
		s.queue.Push(t)
	}
	if len(tasks) > 0 {
		s.logger.Info("enqueued notifications", "jobs", len(jobs), "tasks", len(tasks))
	}
}

// enqueueBroadcasts expands broadcasts stored since the last cycle.
func (s *Scheduler) enqueueBroadcasts(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pending, err := s.store.PendingBroadcasts(ctx)
	if err != nil {
		s.logger.Error("loading broadcasts", "error", err)
		return
	}
	for _, b := range pending {
		tasks, err := s.matcher.Broadcast(ctx, b)
		if err != nil {
			s.logger.Error("expanding broadcast", "broadcast_id", b.ID, "error", err)
			continue
		}
		for _, t := range tasks {
			s.queue.Push(t)
		}
		if err := s.store.MarkBroadcastDispatched(ctx, b.ID); err != nil {
			s.logger.Error("marking broadcast dispatched", "broadcast_id", b.ID, "error", err)
			continue
		}
		s.logger.Info("broadcast enqueued", "broadcast_id", b.ID, "tasks", len(tasks))
	}
}

// recoverRecent re-matches jobs discovered within the recovery window so a
// crash between commit and enqueue loses nothing. The delivery log keeps
// it from sending anything twice.
func (s *Scheduler) recoverRecent(ctx context.Context) {
	if s.opts.RecoveryWindow <= 0 {
		return
	}
	jobs, err := s.store.JobsDiscoveredSince(ctx, s.now().Add(-s.opts.RecoveryWindow))
	if err != nil {
		s.logger.Error("recovery re-match failed", "error", err)
		return
	}
	if len(jobs) > 0 {
		s.logger.Info("re-matching recent jobs", "jobs", len(jobs), "window", s.opts.RecoveryWindow.String())
	}
	s.enqueueMatches(ctx, jobs)
}
