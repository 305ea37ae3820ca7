package opgraph

import "fmt"

// Builder assembles a named Operation set and wires dependency edges by
// name, the shape a declarative planner (a YAML plan file, say) naturally
// produces: it knows operation names and their dependency names, not
// pointers.
type Builder struct {
	ops map[string]*Operation
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{ops: make(map[string]*Operation)}
}

// Add registers a new Operation under name, bound to runner. Add fails if
// name was already registered.
func (b *Builder) Add(name string, runner Runner) (*Operation, error) {
	if _, exists := b.ops[name]; exists {
		return nil, fmt.Errorf("opgraph: operation %q already registered", name)
	}
	op := NewOperation(name, runner)
	b.ops[name] = op
	return op, nil
}

// DependOn records that the operation named name depends on the operation
// named on. Both must already be registered.
func (b *Builder) DependOn(name, on string) error {
	op, ok := b.ops[name]
	if !ok {
		return fmt.Errorf("opgraph: unknown operation %q", name)
	}
	dep, ok := b.ops[on]
	if !ok {
		return fmt.Errorf("opgraph: operation %q depends on unknown operation %q", name, on)
	}
	op.AddDependency(dep)
	return nil
}

// Get returns the operation registered under name, if any.
func (b *Builder) Get(name string) (*Operation, bool) {
	op, ok := b.ops[name]
	return op, ok
}

// Build returns the final Operation set and validates its structural
// invariants via Validate.
func (b *Builder) Build() ([]*Operation, error) {
	ops := make([]*Operation, 0, len(b.ops))
	for _, op := range b.ops {
		ops = append(ops, op)
	}
	if err := Validate(ops); err != nil {
		return nil, err
	}
	return ops, nil
}
