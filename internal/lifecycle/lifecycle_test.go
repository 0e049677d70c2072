package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/gigradar/internal/config"
	"github.com/amishk599/gigradar/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLoop runs until cancelled, or returns err immediately when set.
// linger keeps it alive for a while after cancellation.
type fakeLoop struct {
	err     error
	linger  time.Duration
	alive   atomic.Bool
	started chan struct{}
	once    sync.Once
}

func newFakeLoop() *fakeLoop { return &fakeLoop{started: make(chan struct{})} }

func (l *fakeLoop) Run(ctx context.Context) error {
	l.once.Do(func() { close(l.started) })
	if l.err != nil {
		return l.err
	}
	l.alive.Store(true)
	defer l.alive.Store(false)
	<-ctx.Done()
	time.Sleep(l.linger)
	return nil
}

func (l *fakeLoop) Alive() bool { return l.alive.Load() }

type fakeWorker struct {
	*fakeLoop
	resumed   int
	resumeErr error
	drained   atomic.Int32
	parked    int
	events    *[]string
	// aliveAtDrain records whether Run was still active when Drain ran.
	aliveAtDrain bool
}

func (w *fakeWorker) Resume(context.Context) (int, error) {
	*w.events = append(*w.events, "resume")
	return w.resumed, w.resumeErr
}

func (w *fakeWorker) Drain(context.Context) int {
	w.drained.Add(1)
	w.aliveAtDrain = w.Alive()
	*w.events = append(*w.events, "drain")
	return w.parked
}

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

type harness struct {
	app    *App
	sched  *fakeLoop
	worker *fakeWorker
	store  *fakePinger
	events []string
}

func newHarness() *harness {
	h := &harness{sched: newFakeLoop(), store: &fakePinger{}}
	h.worker = &fakeWorker{fakeLoop: newFakeLoop(), events: &h.events}
	h.app = New(Components{
		Scheduler: h.sched,
		Worker:    h.worker,
		Store:     h.store,
		Closers: []func() error{
			func() error { h.events = append(h.events, "close store"); return nil },
			func() error { h.events = append(h.events, "release lock"); return nil },
		},
	}, discardLogger())
	return h
}

func waitAlive(t *testing.T, loops ...*fakeLoop) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, l := range loops {
			if !l.Alive() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestStartThenStopRunsShutdownInOrder(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.app.Start(context.Background()))
	waitAlive(t, h.sched, h.worker.fakeLoop)
	require.NoError(t, h.app.Ready(context.Background()))

	require.NoError(t, h.app.Stop(time.Second))

	<-h.app.Done()
	assert.False(t, h.sched.Alive())
	assert.False(t, h.worker.Alive())
	assert.Equal(t, []string{"resume", "drain", "close store", "release lock"}, h.events)
}

func TestStopLeavesStoreOpenWhileWorkerStillRuns(t *testing.T) {
	h := newHarness()
	h.worker.linger = 500 * time.Millisecond
	h.app.settle = 50 * time.Millisecond
	require.NoError(t, h.app.Start(context.Background()))
	waitAlive(t, h.sched, h.worker.fakeLoop)

	err := h.app.Stop(100 * time.Millisecond)
	assert.ErrorIs(t, err, errLoopsRunning)
	assert.True(t, h.worker.Alive(), "worker should still be inside Run")
	assert.Zero(t, h.worker.drained.Load(), "drain must not race the running worker")
	assert.Equal(t, []string{"resume"}, h.events, "store and lock must stay open")

	<-h.app.Done()
}

func TestStopWaitsForSlowWorkerBeforeDraining(t *testing.T) {
	h := newHarness()
	h.worker.linger = 150 * time.Millisecond
	h.app.settle = 2 * time.Second
	require.NoError(t, h.app.Start(context.Background()))
	waitAlive(t, h.sched, h.worker.fakeLoop)

	require.NoError(t, h.app.Stop(50*time.Millisecond))
	assert.EqualValues(t, 1, h.worker.drained.Load())
	assert.False(t, h.worker.aliveAtDrain)
	assert.Equal(t, []string{"resume", "drain", "close store", "release lock"}, h.events)
}

func TestStopTwiceIsNoop(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.app.Start(context.Background()))
	require.NoError(t, h.app.Stop(time.Second))
	require.NoError(t, h.app.Stop(time.Second))
	assert.EqualValues(t, 1, h.worker.drained.Load())
}

func TestStopWithoutStartOnlyReleases(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.app.Stop(time.Second))
	assert.Equal(t, []string{"close store", "release lock"}, h.events)
	assert.ErrorIs(t, h.app.Start(context.Background()), errAlreadyStarted)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.app.Start(context.Background()))
	defer h.app.Stop(time.Second)
	assert.ErrorIs(t, h.app.Start(context.Background()), errAlreadyStarted)
}

func TestStartFailsWhenStoreUnreachable(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("disk gone")

	err := h.app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.Empty(t, h.events, "resume must not run against an unreachable store")

	select {
	case <-h.sched.started:
		t.Fatal("scheduler started despite failed start")
	default:
	}
}

func TestStartFailsWhenResumeFails(t *testing.T) {
	h := newHarness()
	h.worker.resumeErr = errors.New("bad rows")
	require.ErrorContains(t, h.app.Start(context.Background()), "bad rows")

	select {
	case <-h.worker.started:
		t.Fatal("worker started despite failed resume")
	default:
	}
}

func TestLoopFailureStopsTheOthers(t *testing.T) {
	h := newHarness()
	h.sched.err = errors.New("scheduler crashed")

	require.NoError(t, h.app.Start(context.Background()))
	select {
	case <-h.app.Done():
	case <-time.After(time.Second):
		t.Fatal("app did not stop after a loop failed")
	}
	assert.ErrorContains(t, h.app.Err(), "scheduler crashed")
	assert.False(t, h.worker.Alive())

	err := h.app.Stop(time.Second)
	assert.ErrorContains(t, err, "scheduler crashed")
	assert.Contains(t, h.events, "release lock")
}

func TestReadyReportsDeadLoops(t *testing.T) {
	h := newHarness()
	assert.ErrorContains(t, h.app.Ready(context.Background()), "poller loop")

	h.sched.alive.Store(true)
	assert.ErrorContains(t, h.app.Ready(context.Background()), "worker loop")

	h.worker.alive.Store(true)
	h.store.err = errors.New("locked")
	assert.ErrorContains(t, h.app.Ready(context.Background()), "state store")

	h.store.err = nil
	assert.NoError(t, h.app.Ready(context.Background()))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database:     filepath.Join(t.TempDir(), "gig.db"),
		Site:         config.SiteConfig{BaseURL: "https://jobs.example.com", ListingPath: "/projects", CategoryParam: "category"},
		PollInterval: time.Minute,
		Scraper: config.ScraperConfig{
			Timeout:           time.Second,
			MaxPages:          3,
			RequestsPerSecond: 1,
			MaxAttempts:       2,
			BaseBackoff:       time.Millisecond,
		},
		Enrichment: config.EnrichmentConfig{MaxAge: time.Hour, BatchSize: 5},
		Categories: []config.CategoryConfig{
			{ID: 1, Name: "development", SiteRef: "development", Enabled: true},
			{ID: 2, Name: "design", SiteRef: "design", Enabled: false},
		},
		Matching: config.MatchingConfig{UnknownRate: "include"},
		Delivery: config.DeliveryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, ShutdownGrace: time.Second},
		Email:    config.EmailConfig{Provider: "log"},
	}
}

func TestBuildHoldsDatabaseLockUntilStop(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := Build(ctx, cfg, discardLogger())
	require.NoError(t, err)

	_, err = Build(ctx, cfg, discardLogger())
	require.ErrorIs(t, err, model.ErrLocked)

	require.NoError(t, app.Stop(time.Second))

	again, err := Build(ctx, cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, again.Stop(time.Second))
}

func TestBuildRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Matching.UnknownRate = "sometimes"

	_, err := Build(context.Background(), cfg, discardLogger())
	require.Error(t, err)

	// The failed build must not leave the database locked.
	cfg.Matching.UnknownRate = "withhold"
	app, err := Build(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, app.Stop(time.Second))
}

func TestDispatchersFallBackToLogging(t *testing.T) {
	cfg := testConfig(t)
	router, err := Dispatchers(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelTelegram} {
		err := router.Deliver(context.Background(), model.Recipient{SubscriberID: 1, Channel: ch, Address: "x"}, model.Message{Subject: "hi", Text: "hello"})
		assert.NoError(t, err, "channel %s", ch)
	}
}

func TestCategoriesCopiesConfig(t *testing.T) {
	cats := Categories(testConfig(t).Categories)
	require.Len(t, cats, 2)
	assert.Equal(t, model.Category{ID: 1, Name: "development", SiteRef: "development", Enabled: true}, cats[0])
	assert.False(t, cats[1].Enabled)
}
