package worker

// ============================================================================
// Node Manager Test File
// Purpose: Verify batch execution, local stealing, dedupe, result retry,
//          reclaim, re-register, graceful shutdown and kill
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// Test Doubles
// ============================================================================

type fakeUpstream struct {
	mu          sync.Mutex
	initial     []types.WorkItem
	pending     []types.WorkItem
	regs        []types.Registration
	results     []types.Result
	released    []types.ItemID
	deregs      []types.Deregistration
	heartbeats  int
	failReports int
	failRelease bool
	reRegister  bool
}

func (f *fakeUpstream) RegisterNode(_ context.Context, reg types.Registration) (types.RegisterReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, reg)
	batch := types.NewBatch(f.initial)
	f.initial = nil
	return types.RegisterReply{NodeID: "node-test", HeartbeatInterval: 20 * time.Millisecond, Batch: batch}, nil
}

func (f *fakeUpstream) Heartbeat(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	f.mu.Lock()
	f.heartbeats++
	if f.reRegister {
		f.reRegister = false
		f.mu.Unlock()
		return types.HeartbeatReply{ReRegister: true}, nil
	}
	f.mu.Unlock()
	return f.RequestWork(ctx, hb)
}

func (f *fakeUpstream) RequestWork(_ context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := hb.IdleWorkers - hb.LocalQueued
	if size > len(f.pending) {
		size = len(f.pending)
	}
	if size <= 0 {
		return types.HeartbeatReply{}, nil
	}
	batch := types.NewBatch(f.pending[:size])
	f.pending = f.pending[size:]
	return types.HeartbeatReply{Batch: batch}, nil
}

func (f *fakeUpstream) ReportResult(_ context.Context, r types.Result) (types.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReports > 0 {
		f.failReports--
		return types.Ack{}, errors.New("connection refused")
	}
	for _, prev := range f.results {
		if prev.ItemID == r.ItemID {
			return types.Ack{Duplicate: true}, nil
		}
	}
	f.results = append(f.results, r)
	return types.Ack{}, nil
}

func (f *fakeUpstream) Release(_ context.Context, rel types.Release) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRelease {
		return errors.New("coordinator unavailable")
	}
	f.released = append(f.released, rel.Items...)
	return nil
}

func (f *fakeUpstream) Deregister(_ context.Context, d types.Deregistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregs = append(f.deregs, d)
	return nil
}

func (f *fakeUpstream) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func makeItems(job types.JobID, n int) []types.WorkItem {
	items := make([]types.WorkItem, n)
	for i := range items {
		items[i] = types.WorkItem{
			ID:      types.NewItemID(job, i),
			JobID:   job,
			Target:  "http://target.local/search",
			Point:   types.InjectionPoint{Name: "q", Kind: types.PointURLParam},
			Payload: fmt.Sprintf("payload-%d", i),
		}
	}
	return items
}

// countingExecutor succeeds after delay and counts executions per payload
type countingExecutor struct {
	delay time.Duration
	mu    sync.Mutex
	runs  map[string]int
}

func newCountingExecutor(delay time.Duration) *countingExecutor {
	return &countingExecutor{delay: delay, runs: make(map[string]int)}
}

func (e *countingExecutor) Execute(ctx context.Context, _ string, _ types.InjectionPoint, payload string) probe.Outcome {
	select {
	case <-ctx.Done():
		return probe.Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
	case <-time.After(e.delay):
	}
	e.mu.Lock()
	e.runs[payload]++
	e.mu.Unlock()
	return probe.Outcome{Kind: types.OutcomeFailure}
}

func (e *countingExecutor) maxRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	max := 0
	for _, n := range e.runs {
		if n > max {
			max = n
		}
	}
	return max
}

func testConfig(workers int) Config {
	return Config{
		Workers:           workers,
		HeartbeatInterval: 20 * time.Millisecond,
		RequestDebounce:   5 * time.Millisecond,
		ItemTimeout:       time.Second,
	}
}

func shutdown(t *testing.T, n *NodeManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewNodeManager tests default configuration
func TestNewNodeManager(t *testing.T) {
	n := New(Config{Workers: 3}, &fakeUpstream{}, newCountingExecutor(0))
	assert.Len(t, n.workers, 3)
	assert.Equal(t, 3, n.cfg.Capacity)
	assert.Equal(t, types.CapabilityRemote, n.cfg.Capability)
	assert.Equal(t, DefaultConfig().DequeCapacity, n.workers[0].deque.Cap())
}

// TestStartRegisters tests registration and double start
func TestStartRegisters(t *testing.T) {
	up := &fakeUpstream{}
	n := New(Config{Workers: 2, Capacity: 5}, up, newCountingExecutor(0))

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, types.NodeID("node-test"), n.ID())
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeStarted)

	up.mu.Lock()
	require.Len(t, up.regs, 1)
	assert.Equal(t, 5, up.regs[0].Capacity)
	assert.Equal(t, 2, up.regs[0].Workers)
	up.mu.Unlock()

	shutdown(t, n)
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
}

// TestShutdownBeforeStart tests shutting down a node that never started
func TestShutdownBeforeStart(t *testing.T) {
	n := New(Config{Workers: 1}, &fakeUpstream{}, newCountingExecutor(0))
	assert.ErrorIs(t, n.Shutdown(context.Background()), ErrNodeNotStarted)
	n.Kill()
}

// TestExecutesInitialBatch tests that every dispatched item runs exactly once
func TestExecutesInitialBatch(t *testing.T) {
	up := &fakeUpstream{initial: makeItems("job-a", 12)}
	exec := newCountingExecutor(2 * time.Millisecond)
	n := New(testConfig(2), up, exec)
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool { return up.resultCount() == 12 }, 5*time.Second, 10*time.Millisecond)
	shutdown(t, n)

	assert.Equal(t, 1, exec.maxRuns())
	stats := n.Stats()
	assert.Equal(t, int64(12), stats.Executed)
	assert.Equal(t, int64(12), stats.Reported)
	for _, r := range up.results {
		assert.Equal(t, types.NodeID("node-test"), r.NodeID)
		assert.Equal(t, types.OutcomeFailure, r.Outcome)
	}
}

// TestRequestsWorkWhenIdle tests pulling work between heartbeats
func TestRequestsWorkWhenIdle(t *testing.T) {
	up := &fakeUpstream{pending: makeItems("job-b", 9)}
	n := New(testConfig(3), up, newCountingExecutor(time.Millisecond))
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool { return up.resultCount() == 9 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return n.Stats().Idle == 3 }, time.Second, 5*time.Millisecond)
	shutdown(t, n)
}

// TestLocalStealing tests that siblings steal from a worker holding a large chunk
func TestLocalStealing(t *testing.T) {
	cfg := testConfig(4)
	cfg.InboxChunk = 40
	up := &fakeUpstream{initial: makeItems("job-c", 40)}
	exec := newCountingExecutor(5 * time.Millisecond)
	n := New(cfg, up, exec)
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool { return up.resultCount() == 40 }, 5*time.Second, 10*time.Millisecond)
	shutdown(t, n)

	stats := n.Stats()
	assert.Greater(t, stats.Stolen, int64(0))
	assert.GreaterOrEqual(t, stats.StealAttempts, stats.Stolen)
	assert.Equal(t, 1, exec.maxRuns())
}

// ============================================================================
// Dedupe / Reclaim Tests
// ============================================================================

// TestAcceptDeduplicates tests item dedupe by id and attempt
func TestAcceptDeduplicates(t *testing.T) {
	n := New(Config{Workers: 1}, &fakeUpstream{}, newCountingExecutor(0))
	items := makeItems("job-d", 3)

	tests := []struct {
		name  string
		batch []types.WorkItem
		want  int
	}{
		{"first delivery", items, 3},
		{"same attempt", items, 0},
		{"partial overlap", append(items[:1:1], makeItems("job-e", 1)...), 1},
		{"higher attempt", []types.WorkItem{{ID: items[0].ID, JobID: "job-d", Attempt: 1}}, 1},
		{"older attempt", []types.WorkItem{{ID: items[0].ID, JobID: "job-d", Attempt: 0}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Accept(types.NewBatch(tt.batch)))
		})
	}
	assert.Equal(t, 5, n.Stats().Inbox)
}

// TestReclaim tests returning unstarted inbox items
func TestReclaim(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		failRelease bool
		wantRelease int
		wantInbox   int
		wantErr     bool
	}{
		{"partial", 4, false, 4, 2, false},
		{"more than held", 10, false, 6, 0, false},
		{"zero", 0, false, 0, 6, false},
		{"release fails", 3, true, 0, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{failRelease: tt.failRelease}
			n := New(Config{Workers: 1}, up, newCountingExecutor(0))
			items := makeItems("job-f", 6)
			require.Equal(t, 6, n.Accept(types.NewBatch(items)))

			err := n.reclaim(context.Background(), tt.count)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, up.released, tt.wantRelease)
			assert.Equal(t, tt.wantInbox, n.Stats().Inbox)
			if tt.wantRelease > 0 {
				// newest items go back first
				assert.Equal(t, items[5].ID, up.released[len(up.released)-1])
				// released items may be delivered again
				assert.Equal(t, 1, n.Accept(types.NewBatch(items[5:])))
			}
		})
	}
}

// ============================================================================
// Coordinator Interaction Tests
// ============================================================================

// TestResultRetry tests that results are resent until acknowledged
func TestResultRetry(t *testing.T) {
	up := &fakeUpstream{initial: makeItems("job-g", 2), failReports: 2}
	n := New(testConfig(1), up, newCountingExecutor(0))
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool { return up.resultCount() == 2 }, 10*time.Second, 20*time.Millisecond)
	shutdown(t, n)
	assert.Equal(t, 0, n.Stats().PendingReport)
}

// TestReRegister tests re-registering when the coordinator forgets the node
func TestReRegister(t *testing.T) {
	up := &fakeUpstream{reRegister: true}
	n := New(testConfig(1), up, newCountingExecutor(0))
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.regs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	shutdown(t, n)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, types.NodeID("node-test"), up.regs[1].NodeID)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// blockingExecutor blocks until release is closed or ctx ends
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	runs    atomic.Int32
}

func (e *blockingExecutor) Execute(ctx context.Context, _ string, _ types.InjectionPoint, _ string) probe.Outcome {
	e.runs.Add(1)
	e.once.Do(func() { close(e.started) })
	select {
	case <-e.release:
		return probe.Outcome{Kind: types.OutcomeSuccess, Evidence: []byte("reflected")}
	case <-ctx.Done():
		return probe.Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
	}
}

// TestGracefulShutdown tests that running probes finish and unstarted items are returned
func TestGracefulShutdown(t *testing.T) {
	up := &fakeUpstream{initial: makeItems("job-h", 5)}
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	n := New(testConfig(1), up, exec)
	require.NoError(t, n.Start(context.Background()))
	<-exec.started

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- n.Shutdown(ctx)
	}()
	require.Eventually(t, n.stopping.Load, time.Second, time.Millisecond)
	close(exec.release)
	require.NoError(t, <-errCh)

	assert.True(t, n.Done())
	assert.Equal(t, int32(1), exec.runs.Load())
	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.results, 1)
	assert.Equal(t, types.OutcomeSuccess, up.results[0].Outcome)
	require.Len(t, up.deregs, 1)
	assert.Len(t, up.deregs[0].Returned, 4)
	assert.NotContains(t, up.deregs[0].Returned, up.results[0].ItemID)
}

// TestShutdownDeadlineAbortsProbes tests that an expired shutdown context aborts running probes
func TestShutdownDeadlineAbortsProbes(t *testing.T) {
	up := &fakeUpstream{initial: makeItems("job-i", 2)}
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	n := New(testConfig(1), up, exec)
	require.NoError(t, n.Start(context.Background()))
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_ = n.Shutdown(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, n.Done())
}

// TestKill tests abrupt termination
func TestKill(t *testing.T) {
	up := &fakeUpstream{initial: makeItems("job-j", 3)}
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	n := New(testConfig(1), up, exec)
	require.NoError(t, n.Start(context.Background()))
	<-exec.started

	n.Kill()
	n.Kill()
	assert.True(t, n.Done())

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Empty(t, up.deregs)
	assert.Empty(t, up.results)
}
