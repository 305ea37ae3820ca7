// Package opgraph models the operation DAG: the nodes a planner constructs,
// wires with dependency edges, and hands to the execution engine for one run.
package opgraph

import "fmt"

// Operation is a single unit of scheduled work: one node in the DAG, with
// its dependency and consumer edges.
type Operation struct {
	// Name is the stable, human-readable identity shown in banners and the
	// final summary.
	Name string
	// Key is an optional logical identity such as "project;phase", used by
	// planners that need a stable handle distinct from the display name.
	Key string
	// Weight is this node's cost contribution to any critical-path chain
	// through it. Must be positive; defaults to 1.
	Weight float64
	// Group is an optional back-pointer used purely for aggregated
	// reporting; the engine never reads it for scheduling decisions.
	Group string

	Runner Runner

	dependencies map[*Operation]struct{}
	consumers    map[*Operation]struct{}
}

// NewOperation constructs an Operation with the given name and runner. Weight
// defaults to 1 and can be overridden with WithWeight.
func NewOperation(name string, runner Runner) *Operation {
	return &Operation{
		Name:         name,
		Weight:       1,
		Runner:       runner,
		dependencies: make(map[*Operation]struct{}),
		consumers:    make(map[*Operation]struct{}),
	}
}

// WithWeight sets the operation's weight and returns it for chaining during
// planner construction.
func (o *Operation) WithWeight(weight float64) *Operation {
	if weight > 0 {
		o.Weight = weight
	}
	return o
}

// WithKey sets the operation's logical key.
func (o *Operation) WithKey(key string) *Operation {
	o.Key = key
	return o
}

// WithGroup sets the operation's reporting group.
func (o *Operation) WithGroup(group string) *Operation {
	o.Group = group
	return o
}

// AddDependency records that o depends on dep: dep must reach a terminal
// success-ish state before o becomes eligible. The inverse consumer edge is
// maintained atomically, satisfying the invariant that
// consumers(dep) contains o iff dependencies(o) contains dep.
func (o *Operation) AddDependency(dep *Operation) {
	if o == dep || dep == nil {
		return
	}
	if _, exists := o.dependencies[dep]; exists {
		return
	}
	o.dependencies[dep] = struct{}{}
	dep.consumers[o] = struct{}{}
}

// Dependencies returns the current dependency set. Callers must not retain
// the returned map past a single scheduling decision: the engine mutates the
// underlying set as operations terminate.
func (o *Operation) Dependencies() map[*Operation]struct{} {
	return o.dependencies
}

// Consumers returns the inverse edge set.
func (o *Operation) Consumers() map[*Operation]struct{} {
	return o.consumers
}

func (o *Operation) removeDependency(dep *Operation) {
	delete(o.dependencies, dep)
}

// ResolveDependency removes dep from o's dependency set because dep reached
// a terminal success-ish status. Only the engine's coordinator goroutine may
// call this, as part of its post-execution graph update.
func (o *Operation) ResolveDependency(dep *Operation) {
	o.removeDependency(dep)
}

func (o *Operation) String() string {
	if o.Key != "" {
		return fmt.Sprintf("%s (%s)", o.Name, o.Key)
	}
	return o.Name
}

// Validate checks the structural invariants of a managed set: every
// Operation referenced by any edge must also be present in the set.
func Validate(operations []*Operation) error {
	present := make(map[*Operation]struct{}, len(operations))
	for _, op := range operations {
		present[op] = struct{}{}
	}
	for _, op := range operations {
		for dep := range op.dependencies {
			if _, ok := present[dep]; !ok {
				return fmt.Errorf("operation %q depends on %q which is not in the managed set", op.Name, dep.Name)
			}
		}
		for c := range op.consumers {
			if _, ok := present[c]; !ok {
				return fmt.Errorf("operation %q has consumer %q which is not in the managed set", op.Name, c.Name)
			}
		}
	}
	return nil
}
