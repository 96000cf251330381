// ============================================================================
// Probe-Swarm Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - swarm_items_enqueued_total: 入隊工作單元總數
//      - swarm_items_dispatched_total: 分派給節點的工作單元總數
//      - swarm_results_total{outcome}: 終止結果總數（依結果類型）
//      - swarm_items_retried_total: 重新排隊總數
//      - swarm_items_dead_lettered_total: 死信總數
//      - swarm_items_orphaned_total: 節點失聯回收的工作單元總數
//      - swarm_results_duplicate_total: 重複結果總數
//      - swarm_steals_total{scope}: 竊取次數（node 內 / 跨節點 reclaim）
//      - swarm_reporter_dropped_total: Reporter 緩衝滿而丟棄的事件數
//
//   2. 性能指標 (Histogram)：
//      - swarm_item_latency_seconds: 單項探測延遲分佈
//
//   3. 狀態指標 (Gauge)：
//      - swarm_queue_depth: 全域佇列深度
//      - swarm_items_in_flight: 執行中工作單元數
//      - swarm_nodes_live: 存活節點數
//      - swarm_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成數
//   sum(rate(swarm_results_total[1m]))
//
//   # 95 分位延遲
//   histogram_quantile(0.95, swarm_item_latency_seconds_bucket)
//
//   # 積壓
//   swarm_queue_depth + swarm_items_in_flight
//
// 所有 Record* 方法對 nil *Collector 安全，方便未啟用監控時直接呼叫。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarm"

// Collector Prometheus 指標收集器
type Collector struct {
	itemsEnqueued     prometheus.Counter
	itemsDispatched   prometheus.Counter
	results           *prometheus.CounterVec
	itemsRetried      prometheus.Counter
	itemsDeadLettered prometheus.Counter
	itemsOrphaned     prometheus.Counter
	duplicates        prometheus.Counter
	steals            *prometheus.CounterVec
	reporterDropped   prometheus.Counter

	itemLatency prometheus.Histogram

	queueDepth   prometheus.Gauge
	inFlight     prometheus.Gauge
	liveNodes    prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		itemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_enqueued_total",
			Help:      "Total number of work items enqueued",
		}),
		itemsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dispatched_total",
			Help:      "Total number of work items dispatched to nodes",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of terminal results by outcome",
		}, []string{"outcome"}),
		itemsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_retried_total",
			Help:      "Total number of work items requeued after an error",
		}),
		itemsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dead_lettered_total",
			Help:      "Total number of work items dead-lettered",
		}),
		itemsOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_orphaned_total",
			Help:      "Total number of work items recovered from unreachable nodes",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_duplicate_total",
			Help:      "Total number of duplicate results ignored",
		}),
		steals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steals_total",
			Help:      "Total number of stolen work items",
		}, []string{"scope"}),
		reporterDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reporter_dropped_total",
			Help:      "Total number of reporter events dropped on a full buffer",
		}),
		itemLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_latency_seconds",
			Help:      "Probe execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of work items in the global queue",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_in_flight",
			Help:      "Current number of work items held by nodes",
		}),
		liveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_live",
			Help:      "Current number of registered nodes",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last coordinator state recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.itemsEnqueued,
		c.itemsDispatched,
		c.results,
		c.itemsRetried,
		c.itemsDeadLettered,
		c.itemsOrphaned,
		c.duplicates,
		c.steals,
		c.reporterDropped,
		c.itemLatency,
		c.queueDepth,
		c.inFlight,
		c.liveNodes,
		c.recoveryTime,
	)
	return c
}

// RecordEnqueue 記錄工作單元入隊
func (c *Collector) RecordEnqueue(n int) {
	if c == nil {
		return
	}
	c.itemsEnqueued.Add(float64(n))
}

// RecordDispatch 記錄分派
func (c *Collector) RecordDispatch(n int) {
	if c == nil {
		return
	}
	c.itemsDispatched.Add(float64(n))
}

// RecordResult 記錄終止結果與延遲
func (c *Collector) RecordResult(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(outcome).Inc()
	c.itemLatency.Observe(latency.Seconds())
}

// RecordRetry 記錄重新排隊
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.itemsRetried.Inc()
}

// RecordDead 記錄死信
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.itemsDeadLettered.Inc()
}

// RecordOrphaned 記錄孤兒回收
func (c *Collector) RecordOrphaned(n int) {
	if c == nil {
		return
	}
	c.itemsOrphaned.Add(float64(n))
}

// RecordDuplicate 記錄重複結果
func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

// RecordSteal 記錄竊取，scope 為 "local" 或 "reclaim"
func (c *Collector) RecordSteal(scope string, n int) {
	if c == nil {
		return
	}
	c.steals.WithLabelValues(scope).Add(float64(n))
}

// RecordReporterDrop 記錄 Reporter 丟棄事件
func (c *Collector) RecordReporterDrop() {
	if c == nil {
		return
	}
	c.reporterDropped.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, inFlight, nodes int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queued))
	c.inFlight.Set(float64(inFlight))
	c.liveNodes.Set(float64(nodes))
}

// Handler 回傳 gatherer 的 /metrics handler（nil 時使用 prometheus.DefaultGatherer）
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器（未啟動）
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器（阻塞）
func StartServer(port int, gatherer prometheus.Gatherer) error {
	return NewServer(port, gatherer).ListenAndServe()
}
