// ============================================================================
// Probe-Swarm Elastic - 雲端函數 worker
// ============================================================================
//
// Package: internal/elastic
// 文件: invoker.go
// 功能: 以雲端函數（每次呼叫處理一整批）執行工作單元
//
// 組成:
//   - Invoker:     呼叫函數，傳入一批工作單元，取回整批結果
//   - HTTPInvoker: 以 JSON POST 呼叫函數 URL
//   - Handler:     函數端，對批次中的每個工作單元執行 probe 並彙總結果
//   - Driver:      以 elastic-cloud 能力註冊，每次呼叫拉一大批，回報結果
//
// 呼叫流程:
//   Driver ──RequestWork──▶ Coordinator
//      │◀── Batch (≤ ceiling)
//      ├──Invoke(batch)──▶ 函數 (Handler)
//      │◀── []Result
//      └──ReportResult × N──▶ Coordinator
//
// ============================================================================

package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ErrInvocation 函數呼叫失敗（非 2xx 或回應無法解析）
var ErrInvocation = errors.New("function invocation failed")

// Invoker 以一次呼叫執行整批工作單元
type Invoker interface {
	Invoke(ctx context.Context, batch types.Batch) ([]types.Result, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, batch types.Batch) ([]types.Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	return f(ctx, batch)
}

// HTTPInvoker posts the batch as JSON to a function URL.
type HTTPInvoker struct {
	URL    string
	Client *http.Client
}

// NewHTTPInvoker 建立 HTTPInvoker；timeout 為 0 時不限制單次呼叫時間
func NewHTTPInvoker(url string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvocation, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var results []types.Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrInvocation, err)
	}
	return results, nil
}
