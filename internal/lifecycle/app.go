// Package lifecycle starts and stops the poller and worker loops as one unit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amishk599/gigradar/internal/metrics"
)

// Runner is a long-lived component driven by Run until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Loop is a Runner that reports whether it is still making progress.
type Loop interface {
	Runner
	Alive() bool
}

// WorkerLoop is the notification worker: a Loop that can resume persisted
// work and drain its queue on the way out.
type WorkerLoop interface {
	Loop
	Resume(ctx context.Context) (int, error)
	Drain(ctx context.Context) int
}

// Pinger reports whether the state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Components are the parts the App owns.
type Components struct {
	Scheduler Loop
	Worker    WorkerLoop
	Store     Pinger
	Metrics   Runner // optional listener; nil disables it
	// Closers run in order after the loops have stopped.
	Closers []func() error
}

var (
	errAlreadyStarted = errors.New("app already started")
	errLoopsRunning   = errors.New("loops still running after shutdown grace; store left open")
)

// stopSettle is how long Stop keeps waiting for the loops once the grace
// period is over, before giving up on releasing resources.
const stopSettle = 5 * time.Second

// App owns the poller and worker loops and shuts them down in order: stop
// producing, drain the queue within the grace period, release resources.
type App struct {
	c      Components
	logger *slog.Logger
	settle time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates an App.
func New(c Components, logger *slog.Logger) *App {
	return &App{c: c, logger: logger, settle: stopSettle}
}

// Start resumes deliveries left by a previous run and launches every loop.
// It returns once the loops are running; a store that cannot be read at
// this point is fatal and nothing is started.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return errAlreadyStarted
	}

	if err := a.c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	n, err := a.c.Worker.Resume(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("resuming interrupted deliveries", "tasks", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.c.Worker.Run(gctx) })
	g.Go(func() error { return a.c.Scheduler.Run(gctx) })
	if a.c.Metrics != nil {
		g.Go(func() error { return a.c.Metrics.Run(gctx) })
	}
	metrics.SetReadiness(func() bool {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return a.Ready(pingCtx) == nil
	})

	a.started = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		err := g.Wait()
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)
	}()

	a.logger.Info("gigradar started")
	return nil
}

// Done is closed when every loop has returned, either after Stop or because
// one of them failed.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.done
}

// Err returns the first loop error, if any, once Done is closed.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Ready reports whether both loops are alive and the store answers.
func (a *App) Ready(ctx context.Context) error {
	switch {
	case !a.c.Scheduler.Alive():
		return errors.New("poller loop not running")
	case !a.c.Worker.Alive():
		return errors.New("worker loop not running")
	}
	if err := a.c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	return nil
}

// Stop signals the loops to stop and waits for them. The worker then keeps
// draining queued tasks until the queue is empty or timeout expires; what
// is left is parked for the next start. If the loops are still running a
// short while after timeout, Stop returns errLoopsRunning without draining
// or releasing anything. Stop on an App that was never started only
// releases its resources. Calling Stop again is a no-op.
func (a *App) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started, cancel, done := a.started, a.cancel, a.done
	a.mu.Unlock()

	if !started {
		return a.close()
	}

	ctx, cancelGrace := context.WithTimeout(context.Background(), timeout)
	defer cancelGrace()

	a.logger.Info("shutting down", "grace", timeout.String())
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("loops did not stop within the grace period", "settle", a.settle.String())
		select {
		case <-done:
		case <-time.After(a.settle):
			// The worker may still be mid-dispatch and must stay the only
			// writer of the delivery log. Its sending rows resume next start.
			a.logger.Error("loops still running, leaving queue and store untouched")
			return errLoopsRunning
		}
	}

	if parked := a.c.Worker.Drain(ctx); parked > 0 {
		a.logger.Warn("tasks parked for next start", "tasks", parked)
	}

	err := errors.Join(a.Err(), a.close())
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) close() error {
	var errs []error
	for _, closeFn := range a.c.Closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
