package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
	"github.com/amishk599/gigradar/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedDispatcher returns the queued errors in order, then succeeds.
type scriptedDispatcher struct {
	mu    sync.Mutex
	errs  []error
	calls []model.Message
}

func (d *scriptedDispatcher) Deliver(_ context.Context, _ model.Recipient, msg model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, msg)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return err
	}
	return nil
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fixture struct {
	store *store.SQLiteStore
	path  string
	sub   model.Subscriber
	jobs  []model.Job
}

func newFixture(t *testing.T, jobIDs ...int64) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	id, err := s.CreateSubscriber(ctx, model.Subscriber{
		Email:            "user@example.com",
		ChatID:           "4242",
		ReceiveEmail:     true,
		ReceiveChat:      true,
		Status:           model.StatusActive,
		CategoryIDs:      []int64{3},
		UnsubscribeToken: "tok",
	})
	require.NoError(t, err)
	sub, err := s.Subscriber(ctx, id)
	require.NoError(t, err)

	var jobs []model.Job
	for _, jid := range jobIDs {
		jobs = append(jobs, model.Job{ID: jid, Title: fmt.Sprintf("Project %d", jid), URL: "https://mostaql.com/project/1"})
	}
	var cursor int64
	for _, j := range jobs {
		cursor = max(cursor, j.ID)
	}
	inserted, err := s.CommitScrape(ctx, model.ScrapeCommit{CategoryID: 3, Jobs: jobs, Cursor: cursor, Advance: true})
	require.NoError(t, err)

	return &fixture{store: s, path: path, sub: sub, jobs: inserted}
}

func (f *fixture) task(ch model.Channel, jobs ...model.Job) model.Task {
	if len(jobs) == 0 {
		jobs = f.jobs
	}
	return model.Task{Recipient: f.sub.Recipient(ch), Jobs: jobs}
}

func (f *fixture) record(t *testing.T, ch model.Channel, jobID int64) model.DeliveryRecord {
	t.Helper()
	rec, err := f.store.DeliveryRecord(context.Background(), model.DeliveryKey{SubscriberID: f.sub.ID, Ref: model.JobRef(jobID), Channel: ch})
	require.NoError(t, err)
	return rec
}

func newTestWorker(f *fixture, d model.Dispatcher, opts Options) (*Worker, *Queue) {
	q := New()
	return NewWorker(q, f.store, d, render.New(nil), opts, discardLogger()), q
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, 101)
	d := &scriptedDispatcher{errs: []error{errors.New("connection reset"), errors.New("connection reset")}}
	w, q := newTestWorker(f, d, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	q.Push(f.task(model.ChannelEmail))

	require.Eventually(t, func() bool {
		rec, err := f.store.DeliveryRecord(context.Background(), model.DeliveryKey{SubscriberID: f.sub.ID, Ref: "job:101", Channel: model.ChannelEmail})
		return err == nil && rec.Status == model.DeliverySent
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, w.Alive())

	rec := f.record(t, model.ChannelEmail, 101)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 3, d.callCount())

	pending, err := f.store.PendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 101)
	fail := errors.New("timeout")
	d := &scriptedDispatcher{errs: []error{fail, fail, fail, fail}}
	w, _ := newTestWorker(f, d, Options{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	w.queue.Push(f.task(model.ChannelEmail))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, 0, w.Drain(ctx))

	rec := f.record(t, model.ChannelEmail, 101)
	assert.Equal(t, model.DeliveryFailedPermanent, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "giving up after 3 attempts")
}

func TestWorker_ChannelBlockedDisablesChannel(t *testing.T) {
	f := newFixture(t, 101, 102)
	d := &scriptedDispatcher{errs: []error{fmt.Errorf("telegram 403: %w", model.ErrChannelBlocked)}}
	w, _ := newTestWorker(f, d, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})

	w.Process(context.Background(), f.task(model.ChannelTelegram))

	assert.Equal(t, model.DeliveryFailedPermanent, f.record(t, model.ChannelTelegram, 101).Status)
	assert.Equal(t, model.DeliveryFailedPermanent, f.record(t, model.ChannelTelegram, 102).Status)

	sub, err := f.store.Subscriber(context.Background(), f.sub.ID)
	require.NoError(t, err)
	assert.False(t, sub.ReceiveChat)
	assert.True(t, sub.ReceiveEmail, "other channels are untouched")
	assert.Equal(t, 0, w.queue.Pending(), "permanent failures are not retried")
}

func TestWorker_SkipsItemsAlreadySent(t *testing.T) {
	f := newFixture(t, 101, 102)
	ctx := context.Background()
	to := f.sub.Recipient(model.ChannelEmail)
	require.NoError(t, f.store.MarkSending(ctx, to, []string{"job:102"}))
	require.NoError(t, f.store.MarkSent(ctx, to, []string{"job:102"}))

	d := &scriptedDispatcher{}
	w, _ := newTestWorker(f, d, Options{MaxAttempts: 5})
	tk := f.task(model.ChannelEmail)
	msg, err := render.New(nil).Jobs(model.ChannelEmail, tk.Jobs)
	require.NoError(t, err)
	tk.Message = &msg

	w.Process(ctx, tk)

	require.Equal(t, 1, d.callCount())
	assert.Equal(t, "New job: Project 101", d.calls[0].Subject, "message is re-rendered for the remaining item")
	assert.Equal(t, 1, f.record(t, model.ChannelEmail, 102).Attempts)

	// A task whose items are all delivered makes no call at all.
	w.Process(ctx, f.task(model.ChannelEmail))
	assert.Equal(t, 1, d.callCount())
}

func TestWorker_DrainDeliversEverything(t *testing.T) {
	var ids []int64
	for i := int64(1); i <= 50; i++ {
		ids = append(ids, i)
	}
	f := newFixture(t, ids...)
	d := &scriptedDispatcher{errs: []error{errors.New("flaky")}}
	w, q := newTestWorker(f, d, Options{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	// 10 tasks of 5 jobs each, alternating channels.
	for i := 0; i < 10; i++ {
		ch := model.ChannelEmail
		if i%2 == 1 {
			ch = model.ChannelTelegram
		}
		q.Push(f.task(ch, f.jobs[i*5:(i+1)*5]...))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, 0, w.Drain(ctx))
	assert.Equal(t, 0, q.Pending())

	pending, err := f.store.PendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "no row may be left sending")

	for i, j := range f.jobs {
		ch := model.ChannelEmail
		if (i/5)%2 == 1 {
			ch = model.ChannelTelegram
		}
		assert.Equal(t, model.DeliverySent, f.record(t, ch, j.ID).Status, "job %d", j.ID)
	}
}

func TestWorker_ParkAndResumeAcrossRestart(t *testing.T) {
	f := newFixture(t, 101, 102, 103)
	ctx := context.Background()

	// First run: shut down before anything is processed.
	d1 := &scriptedDispatcher{}
	w1, q1 := newTestWorker(f, d1, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})
	q1.Push(f.task(model.ChannelEmail))
	q1.Push(f.task(model.ChannelTelegram, f.jobs[0]))

	expired, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, 2, w1.Drain(expired))
	assert.Equal(t, 0, d1.callCount())

	pending, err := f.store.PendingDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for _, p := range pending {
		assert.Equal(t, 0, p.Attempts, "parking does not count an attempt")
	}

	// Second run on a fresh queue.
	d2 := &scriptedDispatcher{}
	w2, q2 := newTestWorker(f, d2, Options{MaxAttempts: 5, BaseBackoff: time.Millisecond})
	n, err := w2.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q2.Len())

	drainCtx, cancelDrain := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDrain()
	w2.Drain(drainCtx)

	assert.Equal(t, 2, d2.callCount())
	assert.Equal(t, "3 new jobs matching your subscription", d2.calls[0].Subject)
	for _, id := range []int64{101, 102, 103} {
		assert.Equal(t, model.DeliverySent, f.record(t, model.ChannelEmail, id).Status)
	}
	assert.Equal(t, model.DeliverySent, f.record(t, model.ChannelTelegram, f.jobs[0].ID).Status)

	// Resuming again finds nothing and sends nothing twice.
	n, err = w2.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorker_CrashAfterDispatchNeverYieldsTwoSentRows(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	to := f.sub.Recipient(model.ChannelEmail)

	// Crash between MarkSending and MarkSent: the row stays sending.
	require.NoError(t, f.store.MarkSending(ctx, to, []string{"job:101"}))

	// Reopen the database as a restarted process would.
	reopened, err := store.NewSQLiteStore(f.path)
	require.NoError(t, err)
	defer reopened.Close()

	d := &scriptedDispatcher{}
	w := NewWorker(New(), reopened, d, render.New(nil), Options{MaxAttempts: 5}, discardLogger())
	_, err = w.Resume(ctx)
	require.NoError(t, err)

	// A late duplicate from re-matching lands in the same queue.
	w.queue.Push(f.task(model.ChannelEmail))

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	assert.Equal(t, 1, d.callCount())
	rec, err := reopened.DeliveryRecord(ctx, model.DeliveryKey{SubscriberID: f.sub.ID, Ref: "job:101", Channel: model.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestWorker_ResumeDropsUnreachableRecipients(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	to := f.sub.Recipient(model.ChannelTelegram)
	require.NoError(t, f.store.ParkSending(ctx, to, []string{"job:101"}))
	require.NoError(t, f.store.DisableChannel(ctx, f.sub.ID, model.ChannelTelegram))

	w, q := newTestWorker(f, &scriptedDispatcher{}, Options{MaxAttempts: 5})
	n, err := w.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, model.DeliveryFailedPermanent, f.record(t, model.ChannelTelegram, 101).Status)
}

func TestWorker_ResumesBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.store.CreateBroadcast(ctx, "Scheduled maintenance")
	require.NoError(t, err)
	require.NoError(t, f.store.ParkSending(ctx, f.sub.Recipient(model.ChannelEmail), []string{b.Ref()}))

	d := &scriptedDispatcher{}
	w, _ := newTestWorker(f, d, Options{MaxAttempts: 5})
	n, err := w.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	require.Equal(t, 1, d.callCount())
	assert.Equal(t, "Announcement from gigradar", d.calls[0].Subject)
	rec, err := f.store.DeliveryRecord(ctx, model.DeliveryKey{SubscriberID: f.sub.ID, Ref: b.Ref(), Channel: model.ChannelEmail})
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, rec.Status)
}
