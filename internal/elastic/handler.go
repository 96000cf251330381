package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// maxBatchBody 單次請求的上限
const maxBatchBody = 32 << 20

// Handler is the function side: it runs a batch on a probe executor and
// answers with one result per item.
type Handler struct {
	exec        probe.Executor
	parallelism int
	itemTimeout time.Duration
}

// NewHandler 建立函數端 Handler
//
// 參數：
//   - exec: 探測執行器
//   - parallelism: 同時執行的工作單元數，<= 0 時為 1
//   - itemTimeout: 工作單元未指定 timeout 時使用
func NewHandler(exec probe.Executor, parallelism int, itemTimeout time.Duration) *Handler {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Handler{exec: exec, parallelism: parallelism, itemTimeout: itemTimeout}
}

// Invoke runs the batch in-process. Handler itself satisfies Invoker.
func (h *Handler) Invoke(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	return h.Run(ctx, batch), nil
}

// Run 執行整批，結果順序與輸入相同
func (h *Handler) Run(ctx context.Context, batch types.Batch) []types.Result {
	ctx, span := tracing.StartSpan(ctx, "elastic.run")
	defer span.End()

	results := make([]types.Result, len(batch.Items))
	sem := make(chan struct{}, h.parallelism)
	var wg sync.WaitGroup
	for i := range batch.Items {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			item := batch.Items[i]
			out := probe.Run(ctx, h.exec, &item, h.itemTimeout)
			r := types.Result{
				ItemID:   item.ID,
				JobID:    item.JobID,
				Attempt:  item.Attempt,
				Outcome:  out.Kind,
				Evidence: out.Evidence,
				Latency:  out.Latency,
			}
			if out.Err != nil {
				r.Error = out.Err.Error()
			}
			results[i] = r
		}(i)
	}
	wg.Wait()
	return results
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var batch types.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&batch); err != nil {
		http.Error(w, "invalid batch: "+err.Error(), http.StatusBadRequest)
		return
	}

	results := h.Run(r.Context(), batch)
	if err := r.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Batch finished after deadline", "items", len(batch.Items), "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		slog.Error("Failed to write results", "error", err)
	}
	slog.Info("Batch executed", "jobID", batch.JobID, "items", len(batch.Items))
}
