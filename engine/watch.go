package engine

import (
	"context"

	"github.com/ossforge/opforge/internal/opgraph"
)

// Planner re-derives the Operation set for one watch-mode iteration, e.g. by
// re-reading a plan file. It lives outside the engine so the engine itself
// never needs to know how operations are sourced.
type Planner interface {
	Plan() ([]*opgraph.Operation, error)
}

// Watcher signals that the watched inputs changed. opforge's CLI wires this
// to a filesystem watcher; the engine only consumes the channel.
type Watcher interface {
	Changes() <-chan struct{}
}

// WatchLoop drives ExecutionManager.Execute in a cancellable loop: a
// file-change signal cancels any in-flight run and restarts immediately
// over a freshly re-planned operation set; a run that finishes on its own
// just waits for the next signal.
type WatchLoop struct {
	manager *ExecutionManager
	planner Planner
	watcher Watcher
	logger  opgraph.LogSink
}

// NewWatchLoop constructs a WatchLoop over an already-configured manager.
func NewWatchLoop(manager *ExecutionManager, planner Planner, watcher Watcher, logger opgraph.LogSink) *WatchLoop {
	return &WatchLoop{
		manager: manager,
		planner: planner,
		watcher: watcher,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled.
func (w *WatchLoop) Run(ctx context.Context) error {
	changes := w.watcher.Changes()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changes:
	}

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		done := make(chan *ExecutionResult, 1)
		failed := make(chan error, 1)

		go func() {
			ops, err := w.planner.Plan()
			if err != nil {
				failed <- err
				return
			}
			result, err := w.manager.Execute(runCtx, ops)
			if err != nil {
				failed <- err
				return
			}
			done <- result
		}()

		select {
		case <-ctx.Done():
			cancelRun()
			return ctx.Err()

		case <-changes:
			// A new change arrived before this run finished: cancel it,
			// wait for its wind-down, and restart immediately without
			// waiting for another signal.
			cancelRun()
			select {
			case <-done:
			case <-failed:
			case <-ctx.Done():
			}
			continue

		case result := <-done:
			cancelRun()
			w.logger.WriteInfo(nil, "watch iteration finished: "+result.Status.String())

		case err := <-failed:
			cancelRun()
			w.logger.WriteError(nil, err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		}
	}
}
