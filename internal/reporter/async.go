package reporter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// DefaultBuffer is the Async queue length when none is given.
const DefaultBuffer = 1024

// pendingFinish is delivered once `after` results have been delivered, so a
// sink sees a job's finish after every result accepted before it.
type pendingFinish struct {
	after  int64
	report types.JobReport
}

// Async decouples the coordinator loop from slow sinks. Submit never
// blocks: when the buffer is full the result is dropped and counted.
// Job finish events are never dropped; they wait in an unbounded list
// (one entry per job) until the results ahead of them are delivered.
type Async struct {
	inner    Reporter
	ch       chan types.Result
	accepted atomic.Int64
	dropped  atomic.Int64
	onDrop   func()

	mu       sync.Mutex
	finishes []pendingFinish
	kick     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the delivery goroutine. onDrop, if set, is called for
// every dropped result.
func NewAsync(inner Reporter, buffer int, onDrop func()) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	a := &Async{
		inner:  inner,
		ch:     make(chan types.Result, buffer),
		onDrop: onDrop,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit enqueues a result for delivery.
func (a *Async) Submit(r types.Result) bool {
	select {
	case a.ch <- r:
		a.accepted.Add(1)
		return true
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
		return false
	}
}

// SubmitFinish queues a job completion. It never blocks and never drops.
func (a *Async) SubmitFinish(report types.JobReport) {
	a.mu.Lock()
	a.finishes = append(a.finishes, pendingFinish{after: a.accepted.Load(), report: report})
	a.mu.Unlock()
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Dropped returns the number of results lost to a full buffer.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// PendingFinishes returns the number of finish events not yet delivered.
func (a *Async) PendingFinishes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.finishes)
}

func (a *Async) run() {
	defer close(a.done)
	ctx := context.Background()
	var delivered int64
	for {
		a.deliverFinishes(ctx, delivered)
		select {
		case r, ok := <-a.ch:
			if !ok {
				a.deliverFinishes(ctx, -1)
				return
			}
			if err := a.inner.Record(ctx, r); err != nil {
				slog.Warn("reporter record failed", "jobID", r.JobID, "itemID", r.ItemID, "error", err)
			}
			delivered++
		case <-a.kick:
		}
	}
}

// deliverFinishes hands over every finish whose preceding results are out.
// delivered < 0 flushes all of them.
func (a *Async) deliverFinishes(ctx context.Context, delivered int64) {
	for {
		a.mu.Lock()
		if len(a.finishes) == 0 || (delivered >= 0 && a.finishes[0].after > delivered) {
			a.mu.Unlock()
			return
		}
		next := a.finishes[0]
		a.finishes = a.finishes[1:]
		a.mu.Unlock()

		f, ok := a.inner.(Finisher)
		if !ok {
			continue
		}
		if err := f.Finish(ctx, next.report); err != nil {
			slog.Warn("reporter finish failed", "jobID", next.report.ID, "error", err)
		}
	}
}

// Close stops accepting events and waits until the buffer and every
// pending finish are delivered or ctx expires. Submit and SubmitFinish
// must not be called after Close.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.ch) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
