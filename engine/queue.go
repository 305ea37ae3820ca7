package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/ossforge/opforge/internal/opgraph"
)

// ReadyQueue is a demand-driven, pull-based dispatcher: a priority-ordered
// pending list shared by N worker lanes, each of which reserves one future
// operation by calling Next and blocking until an eligible operation is
// delivered or the run runs dry.
type ReadyQueue struct {
	mu sync.Mutex

	// pending is kept sorted in reverse comparator order, so the
	// highest-priority eligible item is found scanning from the tail
	// without reshuffling the rest of the slice on every removal.
	pending    []*opgraph.Operation
	records    map[*opgraph.Operation]*opgraph.ExecutionRecord
	comparator Comparator
	cpl        map[*opgraph.Operation]float64

	waiters []*waiter
}

type waiter struct {
	result chan dispatchResult
}

type dispatchResult struct {
	op  *opgraph.Operation
	eos bool
}

// NewReadyQueue builds a queue over ops. records must contain one
// ExecutionRecord per operation in ops, all initially Ready; cpl is the
// analyzer's memoized critical-path lengths.
func NewReadyQueue(ops []*opgraph.Operation, records map[*opgraph.Operation]*opgraph.ExecutionRecord, cpl map[*opgraph.Operation]float64, comparator Comparator) *ReadyQueue {
	if comparator == nil {
		comparator = DefaultComparator
	}

	pending := make([]*opgraph.Operation, len(ops))
	copy(pending, ops)
	sort.SliceStable(pending, func(i, j int) bool {
		return comparator(pending[i], pending[j], cpl) > 0
	})

	return &ReadyQueue{
		pending:    pending,
		records:    records,
		comparator: comparator,
		cpl:        cpl,
	}
}

// Next reserves one future operation. It blocks until an eligible operation
// is delivered, the queue runs dry (returns false), or ctx is cancelled
// (also returns false).
func (q *ReadyQueue) Next(ctx context.Context) (*opgraph.Operation, bool) {
	q.mu.Lock()
	w := &waiter{result: make(chan dispatchResult, 1)}
	q.waiters = append(q.waiters, w)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case r := <-w.result:
		if r.eos {
			return nil, false
		}
		return r.op, true
	case <-ctx.Done():
		q.forget(w)
		return nil, false
	}
}

func (q *ReadyQueue) forget(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Recheck re-evaluates eligibility against the current pending list. The
// manager must call this, from its single coordinator goroutine, every time
// it finishes mutating dependency sets as operations terminate. It is
// idempotent: calling it when nothing changed dispatches nothing and leaves
// the pending list untouched.
func (q *ReadyQueue) Recheck() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchLocked()
}

func (q *ReadyQueue) dispatchLocked() {
	i := len(q.pending) - 1
	for i >= 0 && len(q.waiters) > 0 {
		op := q.pending[i]
		rec := q.records[op]

		switch {
		case rec.Status == opgraph.StatusBlocked || rec.Status == opgraph.StatusCancelled:
			q.removeAt(i)
		case rec.Status == opgraph.StatusReady && len(op.Dependencies()) == 0:
			q.removeAt(i)
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			w.result <- dispatchResult{op: op}
		}
		i--
	}

	if len(q.pending) == 0 && len(q.waiters) > 0 {
		for _, w := range q.waiters {
			w.result <- dispatchResult{eos: true}
		}
		q.waiters = nil
	}
}

func (q *ReadyQueue) removeAt(i int) {
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
}
