package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/poller"
)

// --- Mock implementations ---

// fakeSite serves a newest-first listing that tests can grow.
type fakeSite struct {
	mu          sync.Mutex
	unreachable error
	listing     []model.Job
	rates       map[int64]model.Rate
	pageCalls   int
}

func (f *fakeSite) setListing(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = nil
	for _, id := range ids {
		f.listing = append(f.listing, model.Job{ID: id, Title: "job"})
	}
}

func (f *fakeSite) Reachable(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreachable
}

func (f *fakeSite) Newest(_ context.Context, _ model.Category) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listing) == 0 {
		return model.Job{}, &model.ParseError{What: "listing"}
	}
	return f.listing[0], nil
}

func (f *fakeSite) ListingPage(_ context.Context, _ model.Category, page int) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if page > 1 {
		return nil, nil
	}
	return append([]model.Job(nil), f.listing...), nil
}

func (f *fakeSite) Detail(_ context.Context, job model.Job) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rates[job.ID]; ok {
		job.HiringRate = r
	}
	return job, nil
}

func (f *fakeSite) pages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls
}

// memStore implements both model.JobStore and the scheduler Store.
type memStore struct {
	mu         sync.Mutex
	cursors    map[int64]int64
	jobs       map[int64]model.Job
	statuses   []model.ScrapeStatus
	broadcasts []model.Broadcast
	dispatched map[string]bool
	recent     []model.Job
	missing    []model.Job
}

func newMemStore() *memStore {
	return &memStore{cursors: map[int64]int64{}, jobs: map[int64]model.Job{}, dispatched: map[string]bool{}}
}

func (s *memStore) Cursor(_ context.Context, id int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[id]
	return c, ok, nil
}

func (s *memStore) CommitScrape(_ context.Context, c model.ScrapeCommit) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range c.Jobs {
		if _, ok := s.jobs[j.ID]; ok {
			continue
		}
		j.CategoryID = c.CategoryID
		s.jobs[j.ID] = j
		out = append(out, j)
	}
	if c.Advance && c.Cursor > s.cursors[c.CategoryID] {
		s.cursors[c.CategoryID] = c.Cursor
	}
	return out, nil
}

func (s *memStore) RecordScrape(_ context.Context, res model.ScrapeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, res.Status)
	return nil
}

func (s *memStore) UpdateHiringRate(_ context.Context, id int64, r model.Rate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.Known() {
		return false, nil
	}
	for i, j := range s.missing {
		if j.ID == id {
			s.missing = append(s.missing[:i], s.missing[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) JobsMissingRate(_ context.Context, _ time.Time, _ int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Job(nil), s.missing...), nil
}

func (s *memStore) JobsDiscoveredSince(_ context.Context, _ time.Time) ([]model.Job, error) {
	return s.recent, nil
}

func (s *memStore) PendingBroadcasts(_ context.Context) ([]model.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Broadcast
	for _, b := range s.broadcasts {
		if !s.dispatched[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) MarkBroadcastDispatched(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched[id] = true
	return nil
}

func (s *memStore) scrapeStatuses() []model.ScrapeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScrapeStatus(nil), s.statuses...)
}

// recordingMatcher emits one task per matched batch.
type recordingMatcher struct {
	mu         sync.Mutex
	batches    [][]int64
	broadcasts []string
}

func (m *recordingMatcher) Match(_ context.Context, jobs []model.Job) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	m.batches = append(m.batches, ids)
	return []model.Task{{Jobs: jobs}}, nil
}

func (m *recordingMatcher) Broadcast(_ context.Context, b model.Broadcast) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, b.ID)
	bc := b
	return []model.Task{{Broadcast: &bc}, {Broadcast: &bc}}, nil
}

func (m *recordingMatcher) matched() [][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]int64(nil), m.batches...)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (q *recordingQueue) Push(t model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// fixedSchedule fires a full scrape on every tick, or never.
type fixedSchedule struct{ always bool }

func (s fixedSchedule) Next(t time.Time) time.Time {
	if s.always {
		return t
	}
	return t.Add(24 * time.Hour)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	site    *fakeSite
	store   *memStore
	matcher *recordingMatcher
	queue   *recordingQueue
	sched   *Scheduler
}

func newHarness(opts Options) *harness {
	h := &harness{
		site:    &fakeSite{},
		store:   newMemStore(),
		matcher: &recordingMatcher{},
		queue:   &recordingQueue{},
	}
	cat := model.Category{ID: 1, Name: "design", SiteRef: "design", Enabled: true}
	enricher := poller.NewEnricher(h.site, h.store, poller.EnrichOptions{MaxAge: time.Hour}, discardLogger())
	p := poller.NewCategoryPoller(cat, h.site, h.store, enricher, poller.Options{MaxPages: 3}, discardLogger())
	if opts.FullScrape == nil {
		opts.FullScrape = fixedSchedule{}
	}
	h.sched = NewScheduler([]*poller.CategoryPoller{p}, h.site, enricher, h.matcher, h.queue, h.store, opts, discardLogger())
	return h
}

func (h *harness) run(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v, want nil", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not return within 2s after cancel")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// --- Tests ---

func TestRun_CancelReturnsPromptly(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Hour})
	h.site.setListing(3, 2, 1)

	stop := h.run(t)
	waitFor(t, func() bool { return !h.sched.LastTick().IsZero() })
	if !h.sched.Alive() {
		t.Error("scheduler should report alive while running")
	}
	stop()
	if h.sched.Alive() {
		t.Error("scheduler should not report alive after Run returns")
	}
}

func TestRun_SeedsThenMatchesNewJobs(t *testing.T) {
	h := newHarness(Options{PollInterval: 20 * time.Millisecond})
	h.site.setListing(10, 9, 8)

	stop := h.run(t)
	defer stop()

	waitFor(t, func() bool { c, _, _ := h.store.Cursor(context.Background(), 1); return c == 10 })
	if got := h.matcher.matched(); len(got) != 0 {
		t.Fatalf("seeding cycle matched %v, want nothing", got)
	}

	h.site.setListing(12, 11, 10, 9)
	waitFor(t, func() bool { return h.queue.len() == 1 })

	got := h.matcher.matched()
	if len(got) != 1 || len(got[0]) != 2 || got[0][0] != 12 || got[0][1] != 11 {
		t.Errorf("matched = %v, want [[12 11]]", got)
	}
}

func TestRun_NewestUnchangedDoesNotScrape(t *testing.T) {
	h := newHarness(Options{PollInterval: 10 * time.Millisecond})
	h.store.cursors[1] = 5
	h.site.setListing(5, 4)

	stop := h.run(t)
	waitFor(t, func() bool { return h.site.pages() >= 1 }) // the start-up full cycle
	time.Sleep(60 * time.Millisecond)
	stop()

	if got := h.site.pages(); got != 1 {
		t.Errorf("listing page calls = %d, want only the start-up full scrape", got)
	}
}

func TestRun_FullScheduleScrapesUnconditionally(t *testing.T) {
	h := newHarness(Options{PollInterval: 10 * time.Millisecond, FullScrape: fixedSchedule{always: true}})
	h.store.cursors[1] = 5
	h.site.setListing(5, 4)

	stop := h.run(t)
	waitFor(t, func() bool { return h.site.pages() >= 3 })
	stop()
}

func TestRun_UnreachableSiteSkipsCycle(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Hour})
	h.site.unreachable = errors.New("dial tcp: i/o timeout")
	h.site.setListing(3, 2, 1)

	stop := h.run(t)
	waitFor(t, func() bool { return len(h.store.scrapeStatuses()) == 1 })
	stop()

	if got := h.store.scrapeStatuses(); got[0] != model.ScrapeSkipped {
		t.Errorf("scrape status = %v, want skipped", got)
	}
	if h.site.pages() != 0 {
		t.Error("no listing page should be fetched while the site is unreachable")
	}
}

func TestRun_EnqueuesPendingBroadcastsOnce(t *testing.T) {
	h := newHarness(Options{PollInterval: 10 * time.Millisecond})
	h.site.setListing(1)
	h.store.broadcasts = []model.Broadcast{{ID: "b1", Message: "hello"}}

	stop := h.run(t)
	waitFor(t, func() bool { return h.queue.len() == 2 })
	time.Sleep(50 * time.Millisecond)
	stop()

	if h.queue.len() != 2 {
		t.Errorf("queued tasks = %d, want 2 (broadcast expanded once)", h.queue.len())
	}
	if !h.store.dispatched["b1"] {
		t.Error("broadcast should be marked dispatched")
	}
}

func TestRun_RecoveryRematchesRecentJobs(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Hour, RecoveryWindow: time.Hour})
	h.store.cursors[1] = 7
	h.site.setListing(7)
	h.store.recent = []model.Job{{ID: 6, CategoryID: 1}, {ID: 7, CategoryID: 1}}

	stop := h.run(t)
	waitFor(t, func() bool { return h.queue.len() == 1 })
	stop()

	got := h.matcher.matched()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("matched = %v, want the two recent jobs", got)
	}
}

func TestRun_FullTickRematchesNewlyRatedJobs(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Hour})
	h.store.cursors[1] = 7
	h.site.setListing(7)
	h.site.rates = map[int64]model.Rate{6: model.RateOf(90)}
	h.store.missing = []model.Job{{ID: 6, CategoryID: 1}, {ID: 5, CategoryID: 1}}

	stop := h.run(t)
	waitFor(t, func() bool { return h.queue.len() == 1 })
	stop()

	got := h.matcher.matched()
	if len(got) != 1 || len(got[0]) != 1 || got[0][0] != 6 {
		t.Errorf("matched = %v, want [[6]] (only the job that gained a rate)", got)
	}
}
