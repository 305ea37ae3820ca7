// Package engine implements the operation execution engine: critical-path
// analysis, the ready queue, and the worker-pool manager that drives a run.
package engine

import (
	"github.com/ossforge/opforge/internal/opErrors"
	"github.com/ossforge/opforge/internal/opgraph"
)

// CriticalPathAnalyzer performs a single-pass DFS: it memoizes each
// operation's critical-path length (the weighted longest chain reachable
// through consumer edges, inclusive of the node itself) and detects
// dependency cycles before any worker is dispatched.
type CriticalPathAnalyzer struct {
	memo    map[*opgraph.Operation]float64
	onStack map[*opgraph.Operation]bool
	stack   []*opgraph.Operation
}

// NewCriticalPathAnalyzer constructs an analyzer ready to run over one
// operation set.
func NewCriticalPathAnalyzer() *CriticalPathAnalyzer {
	return &CriticalPathAnalyzer{
		memo:    make(map[*opgraph.Operation]float64),
		onStack: make(map[*opgraph.Operation]bool),
	}
}

// Analyze computes criticalPathLength for every operation in ops. It visits
// each node at most once; a dependency cycle aborts with a CycleDetected
// BuildError rendering the offending chain.
func (a *CriticalPathAnalyzer) Analyze(ops []*opgraph.Operation) (map[*opgraph.Operation]float64, error) {
	for _, op := range ops {
		if _, done := a.memo[op]; done {
			continue
		}
		if err := a.visit(op); err != nil {
			return nil, err
		}
	}
	return a.memo, nil
}

func (a *CriticalPathAnalyzer) visit(n *opgraph.Operation) error {
	if _, done := a.memo[n]; done {
		return nil
	}

	a.onStack[n] = true
	a.stack = append(a.stack, n)

	maxConsumerCPL := 0.0
	for c := range n.Consumers() {
		if a.onStack[c] {
			return a.reportCycle(c)
		}
		if _, done := a.memo[c]; !done {
			if err := a.visit(c); err != nil {
				return err
			}
		}
		if cpl := a.memo[c]; cpl > maxConsumerCPL {
			maxConsumerCPL = cpl
		}
	}

	a.onStack[n] = false
	a.stack = a.stack[:len(a.stack)-1]
	a.memo[n] = n.Weight + maxConsumerCPL
	return nil
}

// reportCycle builds the CycleDetected error for a re-entered node. The
// reported chain is the slice of the recursion stack from the re-entered
// node to the current node, closed by the re-entered node's name. No
// separate search is made: when several cycles pass through the re-entered
// node, the chain reported is the one the DFS followed, which is not
// necessarily the shortest.
func (a *CriticalPathAnalyzer) reportCycle(reentered *opgraph.Operation) error {
	idx := -1
	for i, n := range a.stack {
		if n == reentered {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Defensive: should be unreachable since reentered.onStack was true.
		idx = 0
	}

	chain := a.stack[idx:]
	names := make([]string, 0, len(chain)+1)
	for _, n := range chain {
		names = append(names, n.Name)
	}
	names = append(names, reentered.Name)

	return opErrors.NewCycleDetectedError(names)
}
