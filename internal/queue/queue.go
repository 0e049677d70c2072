// Package queue holds the in-process notification queue and the single
// worker that drains it.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
)

// Queue is an unbounded FIFO of notification tasks with one consumer.
// Push never blocks. Retries wait on a timer outside the FIFO until their
// delay expires.
type Queue struct {
	mu      sync.Mutex
	items   []model.Task
	delayed map[*time.Timer]model.Task
	ready   chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		delayed: make(map[*time.Timer]model.Task),
		ready:   make(chan struct{}, 1),
	}
}

// Push appends a task.
func (q *Queue) Push(t model.Task) {
	metrics.TasksEnqueued.WithLabelValues(string(t.Recipient.Channel)).Inc()
	q.push(t)
}

func (q *Queue) push(t model.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.updateDepth()
	q.mu.Unlock()
	q.signal()
}

// PushAfter appends the task once d has elapsed.
func (q *Queue) PushAfter(t model.Task, d time.Duration) {
	if d <= 0 {
		q.push(t)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		task, ok := q.delayed[timer]
		if !ok {
			// Taken by Flush.
			q.mu.Unlock()
			return
		}
		delete(q.delayed, timer)
		q.items = append(q.items, task)
		q.updateDepth()
		q.mu.Unlock()
		q.signal()
	})
	q.delayed[timer] = t
	q.updateDepth()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until a task is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (model.Task, error) {
	for {
		if t, ok := q.TryPop(); ok {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return model.Task{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// TryPop removes the head of the queue without waiting.
func (q *Queue) TryPop() (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Task{}, false
	}
	t := q.items[0]
	q.items[0] = model.Task{}
	q.items = q.items[1:]
	q.updateDepth()
	return t, true
}

// Len is the number of tasks ready to pop.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending counts ready and delayed tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.delayed)
}

// Flush removes and returns every task, delayed ones included.
func (q *Queue) Flush() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	for timer, t := range q.delayed {
		timer.Stop()
		out = append(out, t)
	}
	clear(q.delayed)
	q.updateDepth()
	return out
}

// updateDepth must be called with mu held.
func (q *Queue) updateDepth() {
	metrics.QueueDepth.Set(float64(len(q.items) + len(q.delayed)))
}
