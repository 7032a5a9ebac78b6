package watcher

import (
	"context"
	"log/slog"
	"sync"
)

// IndexFunc performs one incremental index run.
type IndexFunc func(ctx context.Context) error

// runState is the single-flight state of the runner.
type runState int

const (
	stateIdle runState = iota
	stateRunning
)

// Runner serializes index runs triggered by watch events. At most one
// run is in flight; notifications that arrive while a run is active set
// a pending flag, which triggers exactly one follow-up run when the
// active one finishes. Stop lets an in-flight run complete.
type Runner struct {
	run    IndexFunc
	logger *slog.Logger

	mu      sync.Mutex
	state   runState
	pending bool
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner around the given index function.
func NewRunner(run IndexFunc, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{run: run, logger: logger}
}

// Notify requests an index run. If one is already active the request
// collapses into a single pending follow-up.
func (r *Runner) Notify(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.state == stateRunning {
		r.pending = true
		return
	}

	r.state = stateRunning
	r.wg.Add(1)
	go r.loop(ctx)
}

// loop executes runs until no pending request remains.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		if err := r.run(ctx); err != nil {
			r.logger.Error("index run failed", "error", err)
		}

		r.mu.Lock()
		if r.pending && !r.stopped && ctx.Err() == nil {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.state = stateIdle
		r.pending = false
		r.mu.Unlock()
		return
	}
}

// Stop prevents new runs and waits for the in-flight one to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.pending = false
	r.mu.Unlock()
	r.wg.Wait()
}

// Drive consumes watcher batches and notifies the runner for each,
// returning when the batch channel closes or the context ends.
func (r *Runner) Drive(ctx context.Context, batches <-chan []FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			r.logger.Debug("change batch received", "events", len(batch))
			r.Notify(ctx)
		}
	}
}
