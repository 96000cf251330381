package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// Throughput: 4 local nodes x 4 workers, 1ms per probe, with WAL enabled
// ============================================================================

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	c, rec := newScenarioCoordinator(t, Config{StateDir: t.TempDir()})

	const total = 2000
	id, err := c.SubmitJob(context.Background(), testSpec(total))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 4; i++ {
		startNode(t, NewLocal(c), worker.Config{Workers: 4}, probe.DryRun{Delay: time.Millisecond})
	}
	rep := waitFinished(t, c, id)
	elapsed := time.Since(start)

	assert.Equal(t, types.StatusCompleted, rep.Status)
	assert.Equal(t, total, rep.Counts.Failed)
	assert.Zero(t, rep.Counts.Errored)
	assertReportedOnce(t, rec, total)

	throughput := float64(total) / elapsed.Seconds()
	t.Logf("=== Throughput ===")
	t.Logf("Items: %d  Elapsed: %v  Throughput: %.0f items/s", total, elapsed, throughput)

	// 16 workers at 1ms each: ~16000/s theoretical, 500/s leaves room for slow CI
	assert.Greater(t, throughput, 500.0)
}

func BenchmarkThroughput(b *testing.B) {
	c, err := New(Config{HeartbeatInterval: 50 * time.Millisecond, TickInterval: 20 * time.Millisecond})
	require.NoError(b, err)
	require.NoError(b, c.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	}()

	var nodes []*worker.NodeManager
	for i := 0; i < 4; i++ {
		n := worker.New(worker.Config{Workers: 4, RequestDebounce: time.Millisecond}, NewLocal(c), probe.DryRun{})
		require.NoError(b, n.Start(context.Background()))
		nodes = append(nodes, n)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, n := range nodes {
			_ = n.Shutdown(ctx)
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		spec := testSpec(1000)
		spec.Target = fmt.Sprintf("http://bench.local/%d", i)
		id, err := c.SubmitJob(context.Background(), spec)
		require.NoError(b, err)
		for {
			rep, err := c.JobStatus(context.Background(), id)
			require.NoError(b, err)
			if rep.Status.Terminal() {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	b.StopTimer()
}
