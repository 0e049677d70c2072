// Package match turns newly committed jobs into per-subscriber notification
// tasks.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
)

// UnknownRatePolicy decides what happens to a job whose hiring rate is still
// null when the subscriber has a minimum rate set.
type UnknownRatePolicy int

const (
	// UnknownRateInclude notifies the subscriber anyway.
	UnknownRateInclude UnknownRatePolicy = iota
	// UnknownRateWithhold skips the job until enrichment fills the rate; the
	// fixer-upper pass re-matches it then.
	UnknownRateWithhold
)

func (p UnknownRatePolicy) String() string {
	if p == UnknownRateWithhold {
		return "withhold"
	}
	return "include"
}

// ParsePolicy maps the config value onto a policy.
func ParsePolicy(s string) (UnknownRatePolicy, error) {
	switch s {
	case "", "include":
		return UnknownRateInclude, nil
	case "withhold":
		return UnknownRateWithhold, nil
	}
	return 0, fmt.Errorf("unknown rate policy %q", s)
}

// Engine computes notification obligations. It only reads the store.
type Engine struct {
	store    model.SubscriberStore
	renderer *render.Renderer
	policy   UnknownRatePolicy
	logger   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(store model.SubscriberStore, renderer *render.Renderer, policy UnknownRatePolicy, logger *slog.Logger) *Engine {
	return &Engine{store: store, renderer: renderer, policy: policy, logger: logger}
}

type groupKey struct {
	subscriberID int64
	channel      model.Channel
}

// Match returns one task per (subscriber, channel) covering every job the
// subscriber newly qualifies for, newest first. Items already delivered or
// permanently failed on that channel are left out.
func (e *Engine) Match(ctx context.Context, jobs []model.Job) ([]model.Task, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	jobs = append([]model.Job(nil), jobs...)
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].ID > jobs[b].ID })

	refs := make([]string, len(jobs))
	for i, j := range jobs {
		refs[i] = j.Ref()
	}
	states, err := e.store.DeliveryStates(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}

	subsByCategory := make(map[int64][]model.Subscriber)
	groups := make(map[groupKey]*model.Task)
	var order []groupKey

	for _, job := range jobs {
		subs, ok := subsByCategory[job.CategoryID]
		if !ok {
			subs, err = e.store.ActiveSubscribers(ctx, job.CategoryID)
			if err != nil {
				return nil, fmt.Errorf("matching: %w", err)
			}
			subsByCategory[job.CategoryID] = subs
		}

		for _, sub := range subs {
			if !e.qualifies(sub, job) {
				continue
			}
			for _, ch := range sub.Channels() {
				key := groupKey{subscriberID: sub.ID, channel: ch}
				if states[model.DeliveryKey{SubscriberID: sub.ID, Ref: job.Ref(), Channel: ch}].Terminal() {
					continue
				}
				task, ok := groups[key]
				if !ok {
					task = &model.Task{Recipient: sub.Recipient(ch)}
					groups[key] = task
					order = append(order, key)
				}
				task.Jobs = append(task.Jobs, job)
			}
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		if order[a].subscriberID != order[b].subscriberID {
			return order[a].subscriberID < order[b].subscriberID
		}
		return order[a].channel < order[b].channel
	})

	e.renderer.Reset()
	tasks := make([]model.Task, 0, len(order))
	for _, key := range order {
		task := groups[key]
		msg, err := e.renderer.Jobs(key.channel, task.Jobs)
		if err != nil {
			e.logger.Error("rendering task", "subscriber_id", key.subscriberID, "channel", key.channel, "error", err)
			continue
		}
		task.Message = &msg
		tasks = append(tasks, *task)
	}

	e.logger.Debug("matched jobs", "jobs", len(jobs), "tasks", len(tasks), "shared_bodies", e.renderer.Hits())
	return tasks, nil
}

// qualifies applies the category, signup-time and hiring-rate filters.
func (e *Engine) qualifies(sub model.Subscriber, job model.Job) bool {
	if !sub.Follows(job.CategoryID) {
		return false
	}
	if !job.DiscoveredAt.IsZero() && job.DiscoveredAt.Before(sub.CreatedAt) {
		return false
	}
	switch sub.MinHiringRate.Check(job.HiringRate) {
	case model.RateBelow:
		return false
	case model.RateUndecided:
		return e.policy == UnknownRateInclude
	}
	return true
}

// Broadcast expands an announcement to every active subscriber on each
// enabled channel, ignoring category and rate filters.
func (e *Engine) Broadcast(ctx context.Context, b model.Broadcast) ([]model.Task, error) {
	subs, err := e.store.ActiveSubscribers(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", b.ID, err)
	}
	states, err := e.store.DeliveryStates(ctx, []string{b.Ref()})
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", b.ID, err)
	}

	var tasks []model.Task
	for _, sub := range subs {
		for _, ch := range sub.Channels() {
			if states[model.DeliveryKey{SubscriberID: sub.ID, Ref: b.Ref(), Channel: ch}].Terminal() {
				continue
			}
			msg, err := e.renderer.Broadcast(ch, b)
			if err != nil {
				e.logger.Error("rendering broadcast", "broadcast_id", b.ID, "channel", ch, "error", err)
				continue
			}
			bc := b
			tasks = append(tasks, model.Task{Recipient: sub.Recipient(ch), Broadcast: &bc, Message: &msg})
		}
	}
	return tasks, nil
}
