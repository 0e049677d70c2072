package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
	"github.com/amishk599/gigradar/internal/retry"
)

// Options bounds delivery retries.
type Options struct {
	MaxAttempts int           // attempts per task before the items are failed
	BaseBackoff time.Duration // first retry delay, doubled per attempt
}

// Worker is the single consumer of the queue. It is the only writer of the
// delivery log.
type Worker struct {
	queue      *Queue
	store      model.DeliveryStore
	dispatcher model.Dispatcher
	renderer   *render.Renderer
	opts       Options
	logger     *slog.Logger
	alive      atomic.Bool
}

// NewWorker creates a worker draining q.
func NewWorker(q *Queue, store model.DeliveryStore, dispatcher model.Dispatcher, renderer *render.Renderer, opts Options, logger *slog.Logger) *Worker {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Worker{
		queue:      q,
		store:      store,
		dispatcher: dispatcher,
		renderer:   renderer,
		opts:       opts,
		logger:     logger.With("component", "worker"),
	}
}

// Alive reports whether Run is executing.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Run processes tasks until ctx is cancelled. A task already being
// dispatched is finished first. Tasks still queued stay in the queue for
// Drain.
func (w *Worker) Run(ctx context.Context) error {
	w.alive.Store(true)
	defer w.alive.Store(false)

	w.logger.Info("worker started")
	for {
		task, err := w.queue.Pop(ctx)
		if err != nil {
			w.logger.Info("worker stopped", "pending", w.queue.Pending())
			return nil
		}
		w.Process(context.WithoutCancel(ctx), task)
	}
}

// Drain keeps processing until the queue, delayed retries included, is
// empty or ctx expires. Whatever is left is parked as sending rows so the
// next start resumes it. It returns the number of parked tasks.
func (w *Worker) Drain(ctx context.Context) int {
	start := w.queue.Pending()
	if start > 0 {
		w.logger.Info("draining notification queue", "pending", start)
	}
	for w.queue.Pending() > 0 && ctx.Err() == nil {
		task, err := w.queue.Pop(ctx)
		if err != nil {
			break
		}
		w.Process(ctx, task)
	}

	left := w.queue.Flush()
	if len(left) == 0 {
		return 0
	}
	w.logger.Warn("grace period over, parking undelivered tasks", "tasks", len(left))
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, t := range left {
		if err := w.store.ParkSending(bg, t.Recipient, t.Refs()); err != nil {
			w.logger.Error("parking task", "subscriber_id", t.Recipient.SubscriberID, "channel", t.Recipient.Channel, "error", err)
		}
	}
	return len(left)
}

// Process delivers one task. Items already sent or failed are dropped
// first; the rest are marked sending, dispatched as one message and
// recorded with the outcome.
func (w *Worker) Process(ctx context.Context, task model.Task) {
	to := task.Recipient
	log := w.logger.With("subscriber_id", to.SubscriberID, "channel", to.Channel)
	// Bookkeeping must land even when ctx is cut short mid-dispatch.
	book := context.WithoutCancel(ctx)

	task, err := w.pending(book, task)
	if err != nil {
		w.retryLater(book, task, err, log)
		return
	}
	refs := task.Refs()
	if len(refs) == 0 {
		log.Debug("task already delivered, skipping")
		return
	}

	if err := w.store.MarkSending(book, to, refs); err != nil {
		w.retryLater(book, task, err, log)
		return
	}

	err = w.dispatcher.Deliver(ctx, to, *task.Message)
	outcome := model.ClassifyDelivery(err)
	metrics.Deliveries.WithLabelValues(string(to.Channel), outcome.String()).Inc()

	switch outcome {
	case model.OutcomeSent:
		if err := w.store.MarkSent(book, to, refs); err != nil {
			log.Error("recording sent delivery", "items", len(refs), "error", err)
			return
		}
		log.Info("delivered", "items", len(refs), "attempt", task.Attempt+1)

	case model.OutcomePermanent:
		w.fail(book, task, err.Error(), log)
		if errors.Is(err, model.ErrChannelBlocked) {
			if err := w.store.DisableChannel(book, to.SubscriberID, to.Channel); err != nil {
				log.Error("disabling channel", "error", err)
			} else {
				log.Warn("channel disabled for subscriber")
			}
		}

	default:
		if err := w.store.SetDeliveryError(book, to, refs, err.Error()); err != nil {
			log.Error("recording delivery error", "error", err)
		}
		w.retryLater(book, task, err, log)
	}
}

// pending drops items with a terminal delivery-log row and makes sure the
// task carries a message for what is left.
func (w *Worker) pending(ctx context.Context, task model.Task) (model.Task, error) {
	states, err := w.store.DeliveryStates(ctx, task.Refs())
	if err != nil {
		return task, err
	}
	done := func(ref string) bool {
		return states[model.DeliveryKey{SubscriberID: task.Recipient.SubscriberID, Ref: ref, Channel: task.Recipient.Channel}].Terminal()
	}

	ch := task.Recipient.Channel
	if task.Broadcast != nil {
		if done(task.Broadcast.Ref()) {
			task.Broadcast = nil
			return task, nil
		}
		if task.Message == nil {
			msg, err := w.renderer.Broadcast(ch, *task.Broadcast)
			if err != nil {
				return task, fmt.Errorf("%w: %w", model.ErrPermanent, err)
			}
			task.Message = &msg
		}
		return task, nil
	}

	kept := make([]model.Job, 0, len(task.Jobs))
	for _, j := range task.Jobs {
		if !done(j.Ref()) {
			kept = append(kept, j)
		}
	}
	if len(kept) == 0 {
		task.Jobs = nil
		return task, nil
	}
	if len(kept) != len(task.Jobs) || task.Message == nil {
		msg, err := w.renderer.Jobs(ch, kept)
		if err != nil {
			return task, fmt.Errorf("%w: %w", model.ErrPermanent, err)
		}
		task.Message = &msg
	}
	task.Jobs = kept
	return task, nil
}

// retryLater requeues a task after a backoff, or fails its items once the
// attempt budget is spent.
func (w *Worker) retryLater(ctx context.Context, task model.Task, cause error, log *slog.Logger) {
	if errors.Is(cause, model.ErrPermanent) {
		w.fail(ctx, task, cause.Error(), log)
		return
	}
	task.Attempt++
	if task.Attempt >= w.opts.MaxAttempts {
		w.fail(ctx, task, fmt.Sprintf("giving up after %d attempts: %v", task.Attempt, cause), log)
		return
	}
	delay := retry.Backoff(w.opts.BaseBackoff, task.Attempt, cause)
	log.Warn("delivery failed, will retry", "attempt", task.Attempt, "max_attempts", w.opts.MaxAttempts, "delay", delay, "error", cause)
	w.queue.PushAfter(task, delay)
}

func (w *Worker) fail(ctx context.Context, task model.Task, reason string, log *slog.Logger) {
	refs := task.Refs()
	if len(refs) == 0 {
		return
	}
	// Rows that never reached sending are created first so the failure is
	// recorded; terminal rows are left alone.
	if err := w.store.ParkSending(ctx, task.Recipient, refs); err != nil {
		log.Error("recording failed delivery", "error", err)
		return
	}
	if err := w.store.MarkFailed(ctx, task.Recipient, refs, reason); err != nil {
		log.Error("recording failed delivery", "error", err)
		return
	}
	log.Error("delivery failed permanently", "items", len(refs), "reason", reason)
}

type resumeKey struct {
	subscriberID int64
	channel      model.Channel
}

// Resume re-enqueues the sending rows left by a previous run, one task per
// subscriber and channel plus one per broadcast. It returns the number of
// tasks queued.
func (w *Worker) Resume(ctx context.Context) (int, error) {
	records, err := w.store.PendingDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("resuming deliveries: %w", err)
	}

	groups := make(map[resumeKey][]model.DeliveryRecord)
	var order []resumeKey
	for _, r := range records {
		k := resumeKey{subscriberID: r.SubscriberID, channel: r.Channel}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	queued := 0
	for _, k := range order {
		n, err := w.resumeGroup(ctx, k, groups[k])
		if err != nil {
			return queued, err
		}
		queued += n
	}
	if queued > 0 {
		w.logger.Info("resumed pending deliveries", "rows", len(records), "tasks", queued)
	}
	return queued, nil
}

func (w *Worker) resumeGroup(ctx context.Context, k resumeKey, recs []model.DeliveryRecord) (int, error) {
	log := w.logger.With("subscriber_id", k.subscriberID, "channel", k.channel)

	refs := make([]string, len(recs))
	attempts := 0
	for i, r := range recs {
		refs[i] = r.Ref
		attempts = max(attempts, r.Attempts)
	}

	sub, err := w.store.Subscriber(ctx, k.subscriberID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, fmt.Errorf("resuming deliveries: %w", err)
	}
	reachable := err == nil && sub.Status == model.StatusActive
	if reachable {
		reachable = false
		for _, ch := range sub.Channels() {
			if ch == k.channel {
				reachable = true
			}
		}
	}
	if !reachable {
		to := model.Recipient{SubscriberID: k.subscriberID, Channel: k.channel}
		if err := w.store.MarkFailed(ctx, to, refs, "recipient no longer reachable"); err != nil {
			return 0, fmt.Errorf("resuming deliveries: %w", err)
		}
		log.Warn("dropping pending deliveries for unreachable recipient", "items", len(refs))
		return 0, nil
	}
	to := sub.Recipient(k.channel)

	var jobIDs []int64
	tasks := 0
	for _, ref := range refs {
		if id, ok := model.ParseJobRef(ref); ok {
			jobIDs = append(jobIDs, id)
			continue
		}
		if id, ok := model.ParseBroadcastRef(ref); ok {
			b, err := w.store.BroadcastByID(ctx, id)
			if err != nil {
				log.Error("loading broadcast for resume", "broadcast_id", id, "error", err)
				continue
			}
			w.queue.Push(model.Task{Recipient: to, Broadcast: &b, Attempt: attempts})
			tasks++
			continue
		}
		log.Warn("unknown delivery ref", "ref", ref)
	}

	if len(jobIDs) > 0 {
		jobs, err := w.store.JobsByID(ctx, jobIDs)
		if err != nil {
			return tasks, fmt.Errorf("resuming deliveries: %w", err)
		}
		sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID > jobs[b].ID })
		if len(jobs) > 0 {
			w.queue.Push(model.Task{Recipient: to, Jobs: jobs, Attempt: attempts})
			tasks++
		}
	}
	return tasks, nil
}
