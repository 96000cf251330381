// ============================================================================
// Probe-Swarm Worker - Probe Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One execution context of a node. Each Worker owns a work-stealing
//           deque and runs in its own goroutine.
//
// How it works:
//   Each Worker loops over the following sources, in order:
//   1. Pop from its own deque (LIFO, owner end)
//   2. Steal from a random sibling's deque (FIFO, thief end), bounded attempts
//      with exponential backoff between misses
//   3. Take a chunk from the node inbox: execute the first item, push the rest
//      onto its own deque so siblings can steal them
//   4. Go idle: register with the node, which triggers a work request, and
//      block until woken or shut down
//
// Execution Model:
//   ┌───────────────────────────────────────────┐
//   │  Worker Goroutine                         │
//   │  ┌─────────────────────────────────────┐  │
//   │  │ for {                               │  │
//   │  │   item := own / steal / inbox       │  │
//   │  │   ├─ probe.Run (hard timeout)       │  │
//   │  │   └─ node.deliver(result)           │  │
//   │  │ }                                   │  │
//   │  └─────────────────────────────────────┘  │
//   └───────────────────────────────────────────┘
//
// Blocking:
//   A worker blocks only on the executor call or on its wake channel.
//   Result delivery goes through the node outbox and never blocks.
//
// ============================================================================

package worker

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/probe-swarm/internal/deque"
	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Worker represents one execution context of a node
type Worker struct {
	id    int                          // Worker index within the node
	node  *NodeManager                 // Owning node (inbox, siblings, outbox)
	deque *deque.Deque[types.WorkItem] // Owner pushes/pops the bottom, siblings steal the top
	wake  chan struct{}                // Capacity 1, signalled when work may be available
	rng   *rand.Rand                   // Victim selection, owned by the worker goroutine

	executed      atomic.Int64
	stolen        atomic.Int64
	stealAttempts atomic.Int64
}

// WorkerStats is a point-in-time view of one worker
type WorkerStats struct {
	ID            int   `json:"id"`
	Queued        int   `json:"queued"`
	Executed      int64 `json:"executed"`
	Stolen        int64 `json:"stolen"`
	StealAttempts int64 `json:"steal_attempts"`
}

// newWorker creates a new Worker instance
func newWorker(id int, n *NodeManager, capacity int) *Worker {
	return &Worker{
		id:    id,
		node:  n,
		deque: deque.New[types.WorkItem](capacity),
		wake:  make(chan struct{}, 1),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Stats returns the worker's counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		ID:            w.id,
		Queued:        w.deque.Len(),
		Executed:      w.executed.Load(),
		Stolen:        w.stolen.Load(),
		StealAttempts: w.stealAttempts.Load(),
	}
}

// signal wakes the worker without blocking
func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the main loop of Worker
// ctx is cancelled only on abrupt termination; graceful stop goes through node.stopping
func (w *Worker) run(ctx context.Context) {
	for {
		if w.node.stopping.Load() || ctx.Err() != nil {
			return
		}

		item, ok := w.next()
		if ok {
			w.execute(item)
			continue
		}

		if !w.node.park(w) {
			continue
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}

// next picks the next item: own deque, then a sibling, then the inbox
func (w *Worker) next() (types.WorkItem, bool) {
	if it, ok := w.deque.PopLocal(); ok {
		return *it, true
	}
	if it, ok := w.steal(); ok {
		return it, true
	}
	return w.node.takeChunk(w)
}

// steal tries up to StealAttempts random victims
func (w *Worker) steal() (types.WorkItem, bool) {
	siblings := w.node.workers
	if len(siblings) < 2 || !w.node.siblingsHaveWork(w) {
		return types.WorkItem{}, false
	}

	b := stealBackoff()
	attempts := w.node.cfg.StealAttempts
	for i := 0; i < attempts; i++ {
		victim := siblings[w.rng.Intn(len(siblings))]
		if victim == w {
			continue
		}
		w.stealAttempts.Add(1)
		if it, ok := victim.deque.Steal(); ok {
			w.stolen.Add(1)
			w.node.metrics.RecordSteal("local", 1)
			return *it, true
		}
		if i < attempts-1 {
			time.Sleep(b.NextBackOff())
		}
	}
	return types.WorkItem{}, false
}

// stealBackoff keeps retries between steal misses in the microsecond range
func stealBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Microsecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// execute runs one probe and hands the result to the node
func (w *Worker) execute(item types.WorkItem) {
	n := w.node
	ctx, span := tracing.StartSpan(n.execCtx, "worker.execute",
		attribute.String("itemID", string(item.ID)),
		attribute.Int("attempt", item.Attempt),
		attribute.Int("worker", w.id))

	n.busy.Add(1)
	out := probe.Run(ctx, n.exec, &item, n.cfg.ItemTimeout)
	n.busy.Add(-1)
	tracing.End(span, out.Err)
	w.executed.Add(1)

	r := types.Result{
		ItemID:   item.ID,
		JobID:    item.JobID,
		NodeID:   n.ID(),
		Attempt:  item.Attempt,
		Outcome:  out.Kind,
		Evidence: out.Evidence,
		Latency:  out.Latency,
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	n.deliver(r)
}
