package engine

import (
	"sync/atomic"

	"github.com/ossforge/opforge/internal/opgraph"
)

// fakeRunner is the test double for opgraph.Runner used across the engine
// package's tests: it records invocation order and count, and can be made
// to return any terminal status or delegate to a custom Execute.
type fakeRunner struct {
	name            string
	status          opgraph.Status
	err             error
	warningsAllowed bool
	silentFlag      bool
	onExecute       func(rc *opgraph.RunnerContext) (opgraph.Status, error)

	invocations int32
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) Silent() bool { return f.silentFlag }

func (f *fakeRunner) WarningsAreAllowed() bool { return f.warningsAllowed }

func (f *fakeRunner) Execute(rc *opgraph.RunnerContext) (opgraph.Status, error) {
	atomic.AddInt32(&f.invocations, 1)
	if f.onExecute != nil {
		return f.onExecute(rc)
	}
	return f.status, f.err
}

func (f *fakeRunner) Invocations() int {
	return int(atomic.LoadInt32(&f.invocations))
}

func newSuccessRunner(name string) *fakeRunner {
	return &fakeRunner{name: name, status: opgraph.StatusSuccess}
}
