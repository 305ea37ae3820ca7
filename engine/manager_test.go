package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ossforge/opforge/internal/opgraph"
)

func recordingRunner(name string, mu *sync.Mutex, order *[]string) func(rc *opgraph.RunnerContext) (opgraph.Status, error) {
	return func(rc *opgraph.RunnerContext) (opgraph.Status, error) {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return opgraph.StatusSuccess, nil
	}
}

// A runner that returns (StatusCancelled, err), as runners/shell and
// runners/registry both do on a context cancellation mid-flight, must be
// recorded as Cancelled, not Failure, even though it also returned an error.
func TestExecute_RunnerCancelledWithErrorIsNotFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := opgraph.NewOperation("A", &fakeRunner{
		name: "A",
		onExecute: func(rc *opgraph.RunnerContext) (opgraph.Status, error) {
			cancel()
			return opgraph.StatusCancelled, context.Canceled
		},
	})

	mgr := NewExecutionManager(ManagerConfig{Width: 1, Logger: discardLogger{}})
	result, err := mgr.Execute(ctx, []*opgraph.Operation{a})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != opgraph.StatusCancelled {
		t.Errorf("Status = %v, want Cancelled", result.Status)
	}
	if got := result.PerOperation[a].Status; got != opgraph.StatusCancelled {
		t.Errorf("A status = %v, want Cancelled", got)
	}
}

// Linear chain A->B->C, all Success, weight 1: execution order is
// exactly [A, B, C].
func TestExecute_LinearChain(t *testing.T) {
	var mu sync.Mutex
	var order []string

	a := opgraph.NewOperation("A", &fakeRunner{name: "A", onExecute: recordingRunner("A", &mu, &order)})
	b := opgraph.NewOperation("B", &fakeRunner{name: "B", onExecute: recordingRunner("B", &mu, &order)})
	c := opgraph.NewOperation("C", &fakeRunner{name: "C", onExecute: recordingRunner("C", &mu, &order)})
	b.AddDependency(a)
	c.AddDependency(b)

	mgr := NewExecutionManager(ManagerConfig{Width: 1, Logger: discardLogger{}})
	result, err := mgr.Execute(context.Background(), []*opgraph.Operation{a, b, c})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != opgraph.StatusSuccess {
		t.Errorf("Status = %v, want Success", result.Status)
	}
	if !reflect.DeepEqual(order, []string{"A", "B", "C"}) {
		t.Errorf("order = %v, want [A B C]", order)
	}
}

// Failure fans out. A fails; B, C, D never run and are Blocked.
func TestExecute_FailurePropagatesBlocked(t *testing.T) {
	a := opgraph.NewOperation("A", &fakeRunner{name: "A", status: opgraph.StatusFailure})
	bRunner := newSuccessRunner("B")
	cRunner := newSuccessRunner("C")
	dRunner := newSuccessRunner("D")
	b := opgraph.NewOperation("B", bRunner)
	c := opgraph.NewOperation("C", cRunner)
	d := opgraph.NewOperation("D", dRunner)
	b.AddDependency(a)
	c.AddDependency(a)
	d.AddDependency(b)
	d.AddDependency(c)

	mgr := NewExecutionManager(ManagerConfig{Width: 2, Logger: discardLogger{}})
	result, err := mgr.Execute(context.Background(), []*opgraph.Operation{a, b, c, d})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != opgraph.StatusFailure {
		t.Errorf("Status = %v, want Failure", result.Status)
	}
	for _, op := range []*opgraph.Operation{b, c, d} {
		if got := result.PerOperation[op].Status; got != opgraph.StatusBlocked {
			t.Errorf("%s status = %v, want Blocked", op.Name, got)
		}
	}
	if bRunner.Invocations() != 0 || cRunner.Invocations() != 0 || dRunner.Invocations() != 0 {
		t.Error("blocked operations' runners must never be invoked")
	}
}

// Priority. Two independent chains; with W=1 the higher-weight single
// node Y1 (cpl=5) starts before the X chain (cpl=3).
func TestExecute_PriorityDominance(t *testing.T) {
	var mu sync.Mutex
	var order []string

	x1 := opgraph.NewOperation("X1", &fakeRunner{name: "X1", onExecute: recordingRunner("X1", &mu, &order)})
	x2 := opgraph.NewOperation("X2", &fakeRunner{name: "X2", onExecute: recordingRunner("X2", &mu, &order)})
	x3 := opgraph.NewOperation("X3", &fakeRunner{name: "X3", onExecute: recordingRunner("X3", &mu, &order)})
	x2.AddDependency(x1)
	x3.AddDependency(x2)

	y1 := opgraph.NewOperation("Y1", &fakeRunner{name: "Y1", onExecute: recordingRunner("Y1", &mu, &order)}).WithWeight(5)

	mgr := NewExecutionManager(ManagerConfig{Width: 1, Logger: discardLogger{}})
	_, err := mgr.Execute(context.Background(), []*opgraph.Operation{x1, x2, x3, y1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(order) == 0 || order[0] != "Y1" {
		t.Fatalf("dispatch order = %v, want Y1 first", order)
	}
}

// Cancellation mid-flight. 10 independent operations each observe the
// context; cancelling after 20ms with W=4 must keep at most 4 concurrently
// Executing and leave the aggregate Cancelled.
func TestExecute_CancellationMidFlight(t *testing.T) {
	const n = 10
	var mu sync.Mutex
	current, maxConcurrent := 0, 0

	ops := make([]*opgraph.Operation, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("op%d", i)
		ops[i] = opgraph.NewOperation(name, &fakeRunner{
			name: name,
			onExecute: func(rc *opgraph.RunnerContext) (opgraph.Status, error) {
				mu.Lock()
				current++
				if current > maxConcurrent {
					maxConcurrent = current
				}
				mu.Unlock()

				defer func() {
					mu.Lock()
					current--
					mu.Unlock()
				}()

				select {
				case <-time.After(50 * time.Millisecond):
					return opgraph.StatusSuccess, nil
				case <-rc.Context.Done():
					return opgraph.StatusCancelled, nil
				}
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	mgr := NewExecutionManager(ManagerConfig{Width: 4, Logger: discardLogger{}})
	result, err := mgr.Execute(ctx, ops)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != opgraph.StatusCancelled {
		t.Errorf("Status = %v, want Cancelled", result.Status)
	}
	if maxConcurrent > 4 {
		t.Errorf("maxConcurrent = %d, want <= 4", maxConcurrent)
	}
	for _, op := range ops {
		if !result.PerOperation[op].Status.Terminal() {
			t.Errorf("%s left in non-terminal status %v", op.Name, result.PerOperation[op].Status)
		}
	}
}

// Parallelism bound: at no instant do more than W operations have status
// Executing.
func TestExecute_ParallelismBound(t *testing.T) {
	const n = 20
	const width = 3
	var mu sync.Mutex
	current, maxConcurrent := 0, 0

	ops := make([]*opgraph.Operation, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("op%d", i)
		ops[i] = opgraph.NewOperation(name, &fakeRunner{
			name: name,
			onExecute: func(rc *opgraph.RunnerContext) (opgraph.Status, error) {
				mu.Lock()
				current++
				if current > maxConcurrent {
					maxConcurrent = current
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return opgraph.StatusSuccess, nil
			},
		})
	}

	mgr := NewExecutionManager(ManagerConfig{Width: width, Logger: discardLogger{}})
	result, err := mgr.Execute(context.Background(), ops)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Status != opgraph.StatusSuccess {
		t.Errorf("Status = %v, want Success", result.Status)
	}
	if maxConcurrent > width {
		t.Errorf("maxConcurrent = %d, want <= %d", maxConcurrent, width)
	}
}

// Cycle rejection: a cyclic input fails before any runner runs.
func TestExecute_CycleRejectsBeforeAnyRunnerInvocation(t *testing.T) {
	aRunner := &fakeRunner{name: "A", status: opgraph.StatusSuccess}
	bRunner := &fakeRunner{name: "B", status: opgraph.StatusSuccess}
	a := opgraph.NewOperation("A", aRunner)
	b := opgraph.NewOperation("B", bRunner)
	b.AddDependency(a)
	a.AddDependency(b)

	mgr := NewExecutionManager(ManagerConfig{Width: 2, Logger: discardLogger{}})
	_, err := mgr.Execute(context.Background(), []*opgraph.Operation{a, b})
	if err == nil {
		t.Fatal("expected a CycleDetected error")
	}
	if aRunner.Invocations() != 0 || bRunner.Invocations() != 0 {
		t.Error("no runner should be invoked when the graph contains a cycle")
	}
}

func TestExecute_SkippedForbidsDescendantCacheWrites(t *testing.T) {
	a := opgraph.NewOperation("A", &fakeRunner{name: "A", status: opgraph.StatusSkipped})
	b := opgraph.NewOperation("B", newSuccessRunner("B"))
	c := opgraph.NewOperation("C", newSuccessRunner("C"))
	b.AddDependency(a)
	c.AddDependency(b)

	mgr := NewExecutionManager(ManagerConfig{Width: 1, Logger: discardLogger{}})
	result, err := mgr.Execute(context.Background(), []*opgraph.Operation{a, b, c})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Transitive: C is not a direct consumer of A, but must still be
	// marked, since cache-write suppression propagates to all descendants.
	if !result.PerOperation[b].CacheWritesForbidden {
		t.Error("direct consumer B should have cache writes forbidden")
	}
	if !result.PerOperation[c].CacheWritesForbidden {
		t.Error("transitive descendant C should have cache writes forbidden")
	}
}

func TestRenderFinalSummary_OmitsSilentRunners(t *testing.T) {
	a := opgraph.NewOperation("A", newSuccessRunner("A"))
	b := opgraph.NewOperation("B", &fakeRunner{name: "B", status: opgraph.StatusSuccess, silentFlag: true})

	mgr := NewExecutionManager(ManagerConfig{Width: 1, Logger: discardLogger{}})
	result, err := mgr.Execute(context.Background(), []*opgraph.Operation{a, b})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	out := RenderFinalSummary(result.Ordered, result.PerOperation, result)
	if !strings.Contains(out, "A") {
		t.Error("summary should list A")
	}
	if strings.Contains(out, "B") {
		t.Error("summary should omit B, whose runner is silent")
	}
}
