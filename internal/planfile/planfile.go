// Package planfile compiles a YAML plan document into a wired Operation set.
// It is the default, intentionally dumb planner a runnable CLI needs: no
// incremental caching of the plan itself, no diffing between runs.
package planfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ossforge/opforge/internal/opgraph"
)

// Plan is the raw decoded shape of a plan file.
type Plan struct {
	Operations []OperationSpec `yaml:"operations"`
}

// OperationSpec describes one operation and the names of the operations it
// depends on.
type OperationSpec struct {
	Name      string   `yaml:"name"`
	Runner    string   `yaml:"runner"`
	Weight    float64  `yaml:"weight"`
	Group     string   `yaml:"group"`
	DependsOn []string `yaml:"depends_on"`

	// Args is passed through verbatim to whichever RunnerFactory resolves
	// Runner; planfile itself never interprets it.
	Args map[string]string `yaml:"args"`
}

// RunnerFactory resolves a plan's runner name + args into a concrete
// opgraph.Runner. Wiring which factory a CLI uses for which runner name is
// left to the caller; the engine never imports runner implementations.
type RunnerFactory func(spec OperationSpec) (opgraph.Runner, error)

// Load reads and decodes the YAML plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planfile: read %s: %w", path, err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("planfile: parse %s: %w", path, err)
	}
	return &plan, nil
}

// Compile turns a decoded Plan into a wired Operation set using factory to
// resolve each spec's runner.
func Compile(plan *Plan, factory RunnerFactory) ([]*opgraph.Operation, error) {
	b := opgraph.NewBuilder()

	for _, spec := range plan.Operations {
		if spec.Name == "" {
			return nil, fmt.Errorf("planfile: operation with empty name")
		}
		runner, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("planfile: resolve runner for %q: %w", spec.Name, err)
		}
		op, err := b.Add(spec.Name, runner)
		if err != nil {
			return nil, err
		}
		if spec.Weight > 0 {
			op.WithWeight(spec.Weight)
		}
		if spec.Group != "" {
			op.WithGroup(spec.Group)
		}
	}

	for _, spec := range plan.Operations {
		for _, dep := range spec.DependsOn {
			if err := b.DependOn(spec.Name, dep); err != nil {
				return nil, err
			}
		}
	}

	return b.Build()
}

// LoadAndCompile is the common-case entry point: read a plan file from disk
// and compile it into a ready-to-run Operation set in one call.
func LoadAndCompile(path string, factory RunnerFactory) ([]*opgraph.Operation, error) {
	plan, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Compile(plan, factory)
}
