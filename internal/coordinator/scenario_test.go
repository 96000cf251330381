package coordinator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// End-to-end scenarios: real coordinator loop, real nodes, fake executor
// ============================================================================

var _ worker.Upstream = (*Coordinator)(nil)
var _ worker.Upstream = (*Local)(nil)

// reflectingExecutor reports a hit when the payload contains "<script>"
func reflectingExecutor(delay time.Duration) probe.Executor {
	return probe.Func(func(ctx context.Context, _ string, _ types.InjectionPoint, payload string) probe.Outcome {
		select {
		case <-ctx.Done():
			return probe.Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
		case <-time.After(delay):
		}
		if strings.Contains(payload, "<script>") {
			return probe.Outcome{Kind: types.OutcomeSuccess, Evidence: []byte("echo " + payload)}
		}
		return probe.Outcome{Kind: types.OutcomeFailure}
	})
}

func newScenarioCoordinator(t *testing.T, cfg Config) (*Coordinator, *recorder) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	rec := &recorder{}
	c, err := New(cfg, WithReporter(rec))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, rec
}

func startNode(t *testing.T, up worker.Upstream, cfg worker.Config, exec probe.Executor) *worker.NodeManager {
	t.Helper()
	if cfg.RequestDebounce == 0 {
		cfg.RequestDebounce = 5 * time.Millisecond
	}
	n := worker.New(cfg, up, exec)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func waitFinished(t *testing.T, c *Coordinator, id types.JobID) types.JobReport {
	t.Helper()
	var rep types.JobReport
	require.Eventually(t, func() bool {
		var err error
		rep, err = c.JobStatus(context.Background(), id)
		return err == nil && rep.Status.Terminal() && rep.Counts.Terminal() == rep.Counts.Total
	}, 10*time.Second, 10*time.Millisecond)
	assert.True(t, rep.Counts.Conserved(), "counts not conserved: %+v", rep.Counts)
	return rep
}

// assertReportedOnce checks that every item reached the reporter exactly once
func assertReportedOnce(t *testing.T, rec *recorder, total int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.resultCount() >= total }, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := make(map[types.ItemID]int)
	for _, r := range rec.results {
		seen[r.ItemID]++
	}
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s reported %d times", id, n)
	}
}

func TestScenarioSingleLocalNode(t *testing.T) {
	c, rec := newScenarioCoordinator(t, Config{})
	spec := types.JobSpec{
		Target:          "http://target.local/search",
		InjectionPoints: []types.InjectionPoint{{Name: "q"}, {Name: "lang"}},
		Payloads:        []string{"<script>alert(1)</script>", "'", "\"", "a", "b", "c"},
	}
	id, err := c.SubmitJob(context.Background(), spec)
	require.NoError(t, err)

	startNode(t, NewLocal(c), worker.Config{Workers: 2}, reflectingExecutor(2*time.Millisecond))

	rep := waitFinished(t, c, id)
	assert.Equal(t, types.StatusCompleted, rep.Status)
	assert.Equal(t, 12, rep.Counts.Total)
	assert.Equal(t, 2, rep.Counts.Succeeded)
	assert.Equal(t, 10, rep.Counts.Failed)
	assert.Equal(t, 2, rep.Findings)
	assertReportedOnce(t, rec, 12)

	nodes, err := c.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.CapabilityLocal, nodes[0].Capability)
	assert.Equal(t, 12, nodes[0].Completed)
}

func TestScenarioNodeCrashRecovers(t *testing.T) {
	c, rec := newScenarioCoordinator(t, Config{})
	id := submit(t, c, 10)

	// every execution on the first node hangs until the node dies
	var started atomic.Int32
	hang := probe.Func(func(ctx context.Context, _ string, _ types.InjectionPoint, _ string) probe.Outcome {
		started.Add(1)
		<-ctx.Done()
		return probe.Outcome{Kind: types.OutcomeError, Err: ctx.Err()}
	})

	victim := startNode(t, c, worker.Config{Workers: 5, Capacity: 5}, hang)
	require.Eventually(t, func() bool { return started.Load() == 5 }, 5*time.Second, time.Millisecond)

	var orphaned []types.ItemID
	require.NoError(t, c.do(context.Background(), func() { orphaned = c.jobs.AssignedTo(victim.ID()) }))
	require.Len(t, orphaned, 5)
	rep := status(t, c, id)
	require.Equal(t, 5, rep.Counts.InFlight)
	require.Zero(t, rep.Counts.Failed+rep.Counts.Succeeded+rep.Counts.Errored)

	victim.Kill()

	require.Eventually(t, func() bool {
		rep, err := c.JobStatus(context.Background(), id)
		return err == nil && rep.Counts.InFlight == 0 && rep.Counts.Queued == 10
	}, 5*time.Second, 5*time.Millisecond)
	for _, itemID := range orphaned {
		assert.Equal(t, 1, item(t, c, itemID).Attempt, "item %s", itemID)
	}
	assert.Zero(t, rec.resultCount())

	survivor := startNode(t, c, worker.Config{Workers: 2}, reflectingExecutor(time.Millisecond))

	rep = waitFinished(t, c, id)
	assert.Equal(t, types.StatusCompleted, rep.Status)
	assert.Equal(t, 10, rep.Counts.Failed)
	assert.Zero(t, rep.Counts.DeadLettered)
	assertReportedOnce(t, rec, 10)
	assert.Equal(t, int64(10), survivor.Stats().Executed)
}

func TestScenarioCrossNodeStealing(t *testing.T) {
	c, rec := newScenarioCoordinator(t, Config{StealThreshold: 2})
	id := submit(t, c, 20)

	busy := startNode(t, c, worker.Config{Workers: 1, Capacity: 20}, reflectingExecutor(20*time.Millisecond))
	require.Eventually(t, func() bool { return busy.Stats().Executed > 0 }, time.Second, time.Millisecond)
	idle := startNode(t, c, worker.Config{Workers: 2}, reflectingExecutor(time.Millisecond))

	rep := waitFinished(t, c, id)
	assert.Equal(t, 20, rep.Counts.Failed)
	assertReportedOnce(t, rec, 20)

	assert.Greater(t, idle.Stats().Executed, int64(0))
	assert.Less(t, busy.Stats().Executed, int64(20))
}

func TestScenarioGracefulLeave(t *testing.T) {
	c, rec := newScenarioCoordinator(t, Config{})
	id := submit(t, c, 8)

	leaving := worker.New(worker.Config{Workers: 1, Capacity: 8, RequestDebounce: 5 * time.Millisecond}, c, reflectingExecutor(20*time.Millisecond))
	require.NoError(t, leaving.Start(context.Background()))
	require.Eventually(t, func() bool { return leaving.Stats().Executed > 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leaving.Shutdown(ctx))

	rep, err := c.JobStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, rep.Counts.InFlight)
	assert.Zero(t, rep.Counts.DeadLettered)

	startNode(t, c, worker.Config{Workers: 2}, reflectingExecutor(time.Millisecond))
	rep = waitFinished(t, c, id)
	assert.Equal(t, 8, rep.Counts.Failed)
	assertReportedOnce(t, rec, 8)
}
