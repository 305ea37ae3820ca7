// Package shell is an example opgraph.Runner that executes a shell command
// via a plain exec.CommandContext invocation: opforge's engine has no
// notion of rootfs isolation or process sandboxing.
package shell

import (
	"fmt"
	"os/exec"

	"github.com/ossforge/opforge/internal/opgraph"
)

// Runner executes Command via "sh -c" in Dir, streaming combined
// stdout/stderr into the RunnerContext's output sink.
type Runner struct {
	RunnerName string
	Command    string
	Dir        string
	Env        []string

	// AllowWarnings controls per-operation warning tolerance: a non-zero
	// exit still resolves to Failure, this only controls whether a
	// SuccessWithWarning from some other signal degrades the aggregate.
	AllowWarnings bool
	SilentRunner  bool
}

// New returns a shell Runner with name used for both Runner.Name and log
// lines.
func New(name, command string) *Runner {
	return &Runner{RunnerName: name, Command: command}
}

func (r *Runner) Name() string            { return r.RunnerName }
func (r *Runner) Silent() bool            { return r.SilentRunner }
func (r *Runner) WarningsAreAllowed() bool { return r.AllowWarnings }

// Execute runs the configured command, canceling it if rc.Context is
// canceled mid-flight. A non-zero exit surfaces as StatusFailure; context
// cancellation surfaces as StatusCancelled so the engine records the
// operation as cancelled rather than failed.
func (r *Runner) Execute(rc *opgraph.RunnerContext) (opgraph.Status, error) {
	if r.Command == "" {
		return opgraph.StatusFailure, fmt.Errorf("shell: empty command for %q", r.RunnerName)
	}

	cmd := exec.CommandContext(rc.Context, "sh", "-c", r.Command)
	cmd.Dir = r.Dir
	cmd.Env = r.Env
	cmd.Stdout = rc.Output
	cmd.Stderr = rc.Output

	if err := cmd.Run(); err != nil {
		if rc.Context.Err() != nil {
			return opgraph.StatusCancelled, rc.Context.Err()
		}
		return opgraph.StatusFailure, fmt.Errorf("shell: command failed: %w", err)
	}

	return opgraph.StatusSuccess, nil
}

var _ opgraph.Runner = (*Runner)(nil)
