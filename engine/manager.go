package engine

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/ossforge/opforge/internal/opErrors"
	"github.com/ossforge/opforge/internal/opgraph"
)

// Width sentinels for ManagerConfig.Width.
const (
	// WidthDefault resolves to DefaultWidth() (CPU count on Unix,
	// max(CPU-1, 1) on Windows).
	WidthDefault = 0
	// WidthUnlimited runs every eligible operation concurrently, capped
	// only by the size of the operation set.
	WidthUnlimited = -1
)

// DefaultWidth returns the platform default parallelism width.
func DefaultWidth() int {
	if runtime.GOOS == "windows" {
		if n := runtime.NumCPU() - 1; n > 1 {
			return n
		}
		return 1
	}
	return runtime.NumCPU()
}

// ManagerConfig configures one ExecutionManager.
type ManagerConfig struct {
	// Width is the worker-lane count, or one of WidthDefault/WidthUnlimited.
	Width int
	// Comparator overrides the ReadyQueue's default ordering.
	Comparator Comparator
	// Logger receives banners, per-operation log lines, and the final
	// summary. Required.
	Logger opgraph.LogSink
}

// ExecutionResult is the aggregated outcome of one run, returned by
// ExecutionManager.Execute.
type ExecutionResult struct {
	Status       opgraph.Status
	PerOperation map[*opgraph.Operation]*opgraph.ExecutionRecord
	// Ordered lists every operation in deterministic order: topological,
	// then by name among ties.
	Ordered []*opgraph.Operation
}

// ExecutionManager is the worker-pool driver: it runs the critical-path
// analyzer, constructs the ReadyQueue, drives up to Width concurrent worker
// lanes against it, and serializes every post-execution graph mutation
// through its own coordinator lock.
type ExecutionManager struct {
	width      int
	comparator Comparator
	logger     opgraph.LogSink
}

// NewExecutionManager constructs a manager from cfg.
func NewExecutionManager(cfg ManagerConfig) *ExecutionManager {
	return &ExecutionManager{
		width:      cfg.Width,
		comparator: cfg.Comparator,
		logger:     cfg.Logger,
	}
}

// Execute runs ops to completion (or until ctx is cancelled) and returns the
// aggregated result. ctx doubles as the cancellation token: cancelling it
// stops new dispatch and reclassifies any operation that never got to run
// as Cancelled.
func (m *ExecutionManager) Execute(ctx context.Context, ops []*opgraph.Operation) (*ExecutionResult, error) {
	if err := opgraph.Validate(ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &ExecutionResult{Status: opgraph.StatusSuccess, PerOperation: map[*opgraph.Operation]*opgraph.ExecutionRecord{}}, nil
	}

	m.logger.WriteInfo(nil, renderBanner(fmt.Sprintf("opforge: executing %d operations", len(ops))))
	for _, op := range sortedByName(ops) {
		m.logger.WriteVerbose(op, "selected")
	}

	analyzer := NewCriticalPathAnalyzer()
	cpl, err := analyzer.Analyze(ops)
	if err != nil {
		m.logger.WriteError(nil, err.Error())
		return nil, err
	}

	originalDeps := make(map[*opgraph.Operation]int, len(ops))
	records := make(map[*opgraph.Operation]*opgraph.ExecutionRecord, len(ops))
	for _, op := range ops {
		originalDeps[op] = len(op.Dependencies())
		rec := opgraph.NewExecutionRecord(op)
		rec.CriticalPathLength = cpl[op]
		records[op] = rec
	}

	queue := NewReadyQueue(ops, records, cpl, m.comparator)

	lanes := m.resolveWidth(len(ops))

	var coord sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < lanes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runLane(ctx, queue, records, &coord)
		}()
	}
	wg.Wait()

	m.finalizeCancellation(ctx, records)

	ordered := topoSort(ops, originalDeps)
	result := &ExecutionResult{
		Status:       m.aggregateStatus(ctx, ops, records),
		PerOperation: records,
		Ordered:      ordered,
	}

	m.logger.WriteInfo(nil, RenderFinalSummary(ordered, records, result))
	return result, nil
}

func (m *ExecutionManager) resolveWidth(n int) int {
	var w int
	switch {
	case m.width == WidthUnlimited:
		w = n
	case m.width <= WidthDefault:
		w = DefaultWidth()
	default:
		w = m.width
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

func (m *ExecutionManager) runLane(ctx context.Context, queue *ReadyQueue, records map[*opgraph.Operation]*opgraph.ExecutionRecord, coord *sync.Mutex) {
	for {
		op, ok := queue.Next(ctx)
		if !ok {
			return
		}
		rec := records[op]

		if ctx.Err() != nil {
			coord.Lock()
			rec.Status = opgraph.StatusCancelled
			m.postExecutionUpdate(op, opgraph.StatusCancelled, records, queue)
			coord.Unlock()
			continue
		}

		rec.MarkExecuting()
		if op.Runner == nil || !op.Runner.Silent() {
			m.logger.WriteInfo(op, renderSubBanner(op.String(), 0))
		}

		status, execErr := m.runOperation(ctx, op, rec)
		rec.Finish(status, execErr)

		if execErr != nil {
			if _, already := execErr.(*opgraph.AlreadyReportedError); !already {
				m.logger.WriteError(op, execErr.Error())
			}
		}

		coord.Lock()
		m.postExecutionUpdate(op, status, records, queue)
		coord.Unlock()
	}
}

// runOperation invokes the runner, recovering from a panic and mapping it to
// Failure the same way any other runner error would map.
func (m *ExecutionManager) runOperation(ctx context.Context, op *opgraph.Operation, rec *opgraph.ExecutionRecord) (status opgraph.Status, err error) {
	if op.Runner == nil {
		return opgraph.StatusNoOp, nil
	}

	defer func() {
		if r := recover(); r != nil {
			status = opgraph.StatusFailure
			err = opErrors.NewRunnerFailureError(op.Name, fmt.Errorf("panic: %v", r))
		}
	}()

	rc := &opgraph.RunnerContext{
		Context:      ctx,
		Output:       rec.Output(),
		RequestRerun: func() {},
		Operation:    op,
	}

	runnerStatus, runnerErr := op.Runner.Execute(rc)
	if runnerErr != nil {
		if runnerStatus == opgraph.StatusCancelled || ctx.Err() != nil {
			return opgraph.StatusCancelled, runnerErr
		}
		if _, already := runnerErr.(*opgraph.AlreadyReportedError); already {
			return opgraph.StatusFailure, runnerErr
		}
		return opgraph.StatusFailure, opErrors.NewRunnerFailureError(op.Name, runnerErr)
	}
	return runnerStatus, nil
}

// postExecutionUpdate applies the terminal-status transition table below.
// Callers must hold the coordinator lock.
func (m *ExecutionManager) postExecutionUpdate(op *opgraph.Operation, status opgraph.Status, records map[*opgraph.Operation]*opgraph.ExecutionRecord, queue *ReadyQueue) {
	switch status {
	case opgraph.StatusSuccess, opgraph.StatusSuccessWithWarning, opgraph.StatusFromCache, opgraph.StatusNoOp:
		for c := range op.Consumers() {
			c.ResolveDependency(op)
		}
	case opgraph.StatusSkipped:
		for c := range op.Consumers() {
			c.ResolveDependency(op)
		}
		for _, d := range transitiveConsumers(op) {
			if r, ok := records[d]; ok {
				r.CacheWritesForbidden = true
			}
		}
	case opgraph.StatusFailure:
		for _, d := range transitiveConsumers(op) {
			if r, ok := records[d]; ok && r.Status == opgraph.StatusReady {
				r.Status = opgraph.StatusBlocked
			}
		}
	case opgraph.StatusCancelled:
		for _, d := range transitiveConsumers(op) {
			if r, ok := records[d]; ok && r.Status == opgraph.StatusReady {
				r.Status = opgraph.StatusCancelled
			}
		}
	}
	queue.Recheck()
}

// finalizeCancellation reclassifies any operation that never reached a
// terminal status as Cancelled, once every lane has exited.
func (m *ExecutionManager) finalizeCancellation(ctx context.Context, records map[*opgraph.Operation]*opgraph.ExecutionRecord) {
	if ctx.Err() == nil {
		return
	}
	for _, rec := range records {
		if !rec.Status.Terminal() {
			rec.Status = opgraph.StatusCancelled
		}
	}
}

// aggregateStatus folds per-operation statuses into one run-level status.
func (m *ExecutionManager) aggregateStatus(ctx context.Context, ops []*opgraph.Operation, records map[*opgraph.Operation]*opgraph.ExecutionRecord) opgraph.Status {
	hasFailure := false
	hasDegradingWarning := false

	for _, op := range ops {
		rec := records[op]
		switch rec.Status {
		case opgraph.StatusFailure:
			hasFailure = true
		case opgraph.StatusSuccessWithWarning:
			allowed := op.Runner != nil && op.Runner.WarningsAreAllowed()
			if !allowed {
				hasDegradingWarning = true
			}
		}
	}

	switch {
	case hasFailure:
		return opgraph.StatusFailure
	case ctx.Err() != nil:
		return opgraph.StatusCancelled
	case hasDegradingWarning:
		return opgraph.StatusSuccessWithWarning
	default:
		return opgraph.StatusSuccess
	}
}

// transitiveConsumers returns every operation reachable from op by
// following consumer edges, excluding op itself. The graph is acyclic by
// the time this runs (a cycle would have aborted in Analyze), so a plain
// visited-set BFS terminates.
func transitiveConsumers(op *opgraph.Operation) []*opgraph.Operation {
	visited := make(map[*opgraph.Operation]bool)
	queue := []*opgraph.Operation{op}
	var out []*opgraph.Operation

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for c := range n.Consumers() {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

func sortedByName(ops []*opgraph.Operation) []*opgraph.Operation {
	sorted := make([]*opgraph.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

// topoSort orders ops topologically (dependencies before consumers), ties
// broken by name, using indegree counts captured before the run mutated any
// dependency sets. Consumer edges are never mutated during a run, so this
// Kahn's-algorithm pass over them is safe to run after execution finishes.
func topoSort(ops []*opgraph.Operation, indegree map[*opgraph.Operation]int) []*opgraph.Operation {
	remaining := make(map[*opgraph.Operation]int, len(indegree))
	for op, d := range indegree {
		remaining[op] = d
	}

	var ready []*opgraph.Operation
	for _, op := range ops {
		if remaining[op] == 0 {
			ready = append(ready, op)
		}
	}

	order := make([]*opgraph.Operation, 0, len(ops))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for c := range n.Consumers() {
			remaining[c]--
			if remaining[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return order
}
