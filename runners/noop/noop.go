// Package noop provides a trivial opgraph.Runner for plan nodes that carry
// no real work (milestones, grouping nodes, test fixtures).
package noop

import "github.com/ossforge/opforge/internal/opgraph"

// Runner always returns a fixed status without doing anything.
type Runner struct {
	RunnerName string
	Status     opgraph.Status
}

// New returns a Runner that reports StatusSuccess.
func New(name string) *Runner {
	return &Runner{RunnerName: name, Status: opgraph.StatusSuccess}
}

// NewWithStatus returns a Runner that reports the given status, useful for
// wiring a plan node as a fixed Skipped or NoOp milestone.
func NewWithStatus(name string, status opgraph.Status) *Runner {
	return &Runner{RunnerName: name, Status: status}
}

func (r *Runner) Name() string            { return r.RunnerName }
func (r *Runner) Silent() bool            { return true }
func (r *Runner) WarningsAreAllowed() bool { return false }

func (r *Runner) Execute(rc *opgraph.RunnerContext) (opgraph.Status, error) {
	return r.Status, nil
}

var _ opgraph.Runner = (*Runner)(nil)
