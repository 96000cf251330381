package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)
	return c, reg
}

func TestNewCollector(t *testing.T) {
	_, reg := newTestCollector(t)

	// Vec 類型在沒有任何 label 前不會出現在 Gather 結果中
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestRecordCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func(c *Collector)
		metric func(c *Collector) prometheus.Collector
		want   float64
	}{
		{
			name:   "enqueue",
			record: func(c *Collector) { c.RecordEnqueue(12) },
			metric: func(c *Collector) prometheus.Collector { return c.itemsEnqueued },
			want:   12,
		},
		{
			name:   "dispatch",
			record: func(c *Collector) { c.RecordDispatch(3); c.RecordDispatch(2) },
			metric: func(c *Collector) prometheus.Collector { return c.itemsDispatched },
			want:   5,
		},
		{
			name:   "retry",
			record: func(c *Collector) { c.RecordRetry() },
			metric: func(c *Collector) prometheus.Collector { return c.itemsRetried },
			want:   1,
		},
		{
			name:   "dead",
			record: func(c *Collector) { c.RecordDead(); c.RecordDead() },
			metric: func(c *Collector) prometheus.Collector { return c.itemsDeadLettered },
			want:   2,
		},
		{
			name:   "orphaned",
			record: func(c *Collector) { c.RecordOrphaned(5) },
			metric: func(c *Collector) prometheus.Collector { return c.itemsOrphaned },
			want:   5,
		},
		{
			name:   "duplicate",
			record: func(c *Collector) { c.RecordDuplicate() },
			metric: func(c *Collector) prometheus.Collector { return c.duplicates },
			want:   1,
		},
		{
			name:   "reporter drop",
			record: func(c *Collector) { c.RecordReporterDrop() },
			metric: func(c *Collector) prometheus.Collector { return c.reporterDropped },
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			tt.record(c)
			assert.Equal(t, tt.want, testutil.ToFloat64(tt.metric(c)))
		})
	}
}

func TestRecordResult(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordResult("success", 100*time.Millisecond)
	c.RecordResult("success", 200*time.Millisecond)
	c.RecordResult("timeout", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.results.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.results.WithLabelValues("timeout")))

	expected := `
# HELP swarm_results_total Total number of terminal results by outcome
# TYPE swarm_results_total counter
swarm_results_total{outcome="success"} 2
swarm_results_total{outcome="timeout"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "swarm_results_total"))
}

func TestRecordSteal(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordSteal("local", 1)
	c.RecordSteal("local", 1)
	c.RecordSteal("reclaim", 4)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.steals.WithLabelValues("local")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.steals.WithLabelValues("reclaim")))
}

func TestGauges(t *testing.T) {
	tests := []struct {
		name               string
		queued, inFlight   int
		nodes              int
		wantQueue, wantFly float64
	}{
		{"empty", 0, 0, 0, 0, 0},
		{"busy", 100, 8, 3, 100, 8},
		{"drained", 0, 2, 1, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			c.UpdateQueueStats(tt.queued, tt.inFlight, tt.nodes)
			assert.Equal(t, tt.wantQueue, testutil.ToFloat64(c.queueDepth))
			assert.Equal(t, tt.wantFly, testutil.ToFloat64(c.inFlight))
			assert.Equal(t, float64(tt.nodes), testutil.ToFloat64(c.liveNodes))
		})
	}

	c, _ := newTestCollector(t)
	c.SetRecoveryTime(2.5)
	assert.Equal(t, 2.5, testutil.ToFloat64(c.recoveryTime))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEnqueue(1)
		c.RecordDispatch(1)
		c.RecordResult("success", time.Millisecond)
		c.RecordRetry()
		c.RecordDead()
		c.RecordOrphaned(1)
		c.RecordDuplicate()
		c.RecordSteal("local", 1)
		c.RecordReporterDrop()
		c.SetRecoveryTime(1)
		c.UpdateQueueStats(1, 1, 1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordEnqueue(1)
			c.RecordDispatch(1)
			c.RecordResult("failure", 10*time.Millisecond)
			c.UpdateQueueStats(10, 5, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(100), testutil.ToFloat64(c.itemsEnqueued))
	assert.Equal(t, float64(100), testutil.ToFloat64(c.results.WithLabelValues("failure")))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// 同一個 registry 只能註冊一次
	assert.Panics(t, func() {
		NewCollector(reg)
	})

	// 不同 registry 互不影響
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordEnqueue(7)

	srv := httptest.NewServer(NewServer(0, reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "swarm_items_enqueued_total 7")
}
