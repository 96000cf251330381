package coordinator

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 任務提交與切分
// ============================================================================

// 目標或參數名稱包含這些字樣的注入點優先測試
var priorityKeywords = []string{"login", "auth", "admin", "dashboard"}

// pointPriority 注入點優先權：表單 +2、敏感頁面 +3、已知反射 +2
func pointPriority(target string, p types.InjectionPoint) int {
	prio := 0
	if p.Kind == types.PointForm {
		prio += 2
	}
	haystack := strings.ToLower(target + " " + p.Name)
	for _, kw := range priorityKeywords {
		if strings.Contains(haystack, kw) {
			prio += 3
			break
		}
	}
	if p.Reflected {
		prio += 2
	}
	return prio
}

// Validate 檢查任務內容，回傳 *ValidationError
func Validate(spec types.JobSpec) error {
	target := strings.TrimSpace(spec.Target)
	if target == "" {
		return &ValidationError{Field: "target", Reason: "must not be empty"}
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "target", Reason: "must be an absolute URL"}
	}
	if len(spec.InjectionPoints) == 0 {
		return &ValidationError{Field: "injection_points", Reason: "must not be empty"}
	}
	for i, p := range spec.InjectionPoints {
		if strings.TrimSpace(p.Name) == "" {
			return &ValidationError{Field: "injection_points", Reason: "entry " + strconv.Itoa(i) + " has no name"}
		}
		switch p.Kind {
		case "", types.PointURLParam, types.PointForm, types.PointHeader, types.PointPath:
		default:
			return &ValidationError{Field: "injection_points", Reason: "entry " + strconv.Itoa(i) + " has unsupported kind " + string(p.Kind)}
		}
	}
	if len(spec.Payloads) == 0 {
		return &ValidationError{Field: "payloads", Reason: "must not be empty"}
	}
	if spec.DesiredWorkers < 0 {
		return &ValidationError{Field: "desired_workers", Reason: "must not be negative"}
	}
	if spec.ItemTimeout < 0 {
		return &ValidationError{Field: "item_timeout", Reason: "must not be negative"}
	}
	return nil
}

// materialize 依注入點優先權（穩定排序）切分工作單元，結果只取決於輸入
func materialize(id types.JobID, spec types.JobSpec, createdAt time.Time) []types.WorkItem {
	points := make([]types.InjectionPoint, len(spec.InjectionPoints))
	copy(points, spec.InjectionPoints)
	sort.SliceStable(points, func(i, j int) bool {
		return pointPriority(spec.Target, points[i]) > pointPriority(spec.Target, points[j])
	})

	items := make([]types.WorkItem, 0, len(points)*len(spec.Payloads))
	for _, p := range points {
		if p.Kind == "" {
			p.Kind = types.PointURLParam
		}
		prio := pointPriority(spec.Target, p)
		for _, payload := range spec.Payloads {
			items = append(items, types.WorkItem{
				ID:        types.NewItemID(id, len(items)),
				JobID:     id,
				Target:    spec.Target,
				Point:     p,
				Payload:   payload,
				Priority:  prio,
				Timeout:   spec.ItemTimeout,
				CreatedAt: createdAt.UnixMilli(),
			})
		}
	}
	return items
}

// SubmitJob 驗證並切分任務，立即返回任務 ID（非同步執行）
//
// 錯誤處理：
//   - *ValidationError（errors.Is ErrJobValidation）: 內容不合法，不建立任何工作單元
//   - ErrStopped: Coordinator 已停止
func (c *Coordinator) SubmitJob(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.SubmitJob",
		attribute.String("target", spec.Target),
		attribute.Int("payloads", len(spec.Payloads)),
		attribute.Int("injection_points", len(spec.InjectionPoints)))

	if err := Validate(spec); err != nil {
		tracing.End(span, err)
		return "", err
	}

	var (
		id     types.JobID
		cmdErr error
	)
	err := c.do(ctx, func() {
		id = types.JobID(uuid.NewString())
		now := c.now()
		ev := wal.Event{Type: wal.EventSubmit, JobID: id, Timestamp: now.UnixMilli(), Spec: &spec}
		if cmdErr = c.journal(ev, true); cmdErr != nil {
			return
		}
		items := materialize(id, spec, now)
		if cmdErr = c.jobs.AddJob(id, spec, items, now); cmdErr != nil {
			return
		}
		c.metrics.RecordEnqueue(len(items))
		slog.Info("Job submitted", "jobID", id, "target", spec.Target, "items", len(items),
			"waiting_for_capacity", len(c.nodes) == 0)
	})
	if err == nil {
		err = cmdErr
	}
	if err == nil {
		span.SetAttributes(attribute.String("jobID", string(id)))
	}
	tracing.End(span, err)
	return id, err
}

// CancelJob 取消任務：佇列中的工作單元變成 cancelled，執行中的繼續跑完
func (c *Coordinator) CancelJob(ctx context.Context, id types.JobID) error {
	var cmdErr error
	err := c.do(ctx, func() {
		job, ok := c.jobs.Job(id)
		if !ok {
			cmdErr = ErrJobNotFound
			return
		}
		if job.Status.Terminal() {
			return
		}
		if cmdErr = c.journal(wal.Event{Type: wal.EventCancel, JobID: id}, true); cmdErr != nil {
			return
		}
		dropped, _ := c.jobs.Cancel(id, c.now())
		slog.Info("Job cancelled", "jobID", id, "dropped", dropped, "in_flight", job.Counts.InFlight)
		c.settle(id)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// JobStatus 查詢任務狀態與進度
func (c *Coordinator) JobStatus(ctx context.Context, id types.JobID) (types.JobReport, error) {
	var (
		report types.JobReport
		found  bool
	)
	err := c.do(ctx, func() {
		job, ok := c.jobs.Job(id)
		if !ok {
			return
		}
		found = true
		report = c.buildReport(job)
	})
	if err != nil {
		return types.JobReport{}, err
	}
	if !found {
		return types.JobReport{}, ErrJobNotFound
	}
	return report, nil
}

// ListJobs 依提交順序列出所有任務
func (c *Coordinator) ListJobs(ctx context.Context) ([]types.JobReport, error) {
	var reports []types.JobReport
	err := c.do(ctx, func() {
		jobs := c.jobs.Jobs()
		reports = make([]types.JobReport, 0, len(jobs))
		for _, job := range jobs {
			reports = append(reports, c.buildReport(job))
		}
	})
	return reports, err
}

// Findings 取得任務的成功結果（含證據）
func (c *Coordinator) Findings(ctx context.Context, id types.JobID) ([]types.Result, error) {
	var (
		findings []types.Result
		found    bool
	)
	err := c.do(ctx, func() {
		if _, found = c.jobs.Job(id); found {
			findings = c.agg.Findings(id)
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrJobNotFound
	}
	return findings, nil
}

// buildReport 組合任務狀態、進度、預估剩餘時間與發現數
func (c *Coordinator) buildReport(job jobmanager.Job) types.JobReport {
	s := c.agg.Summary(job.ID)
	counts := job.Counts
	r := types.JobReport{
		ID:             job.ID,
		Target:         job.Spec.Target,
		Status:         job.Status,
		Counts:         counts,
		PayloadsTested: counts.Terminal() - counts.Cancelled,
		Findings:       s.Findings,
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
	}
	if counts.Total > 0 {
		r.Progress = float64(counts.Terminal()) * 100 / float64(counts.Total)
	}
	if !job.Status.Terminal() {
		r.WaitingForCapacity = counts.Queued > 0 && len(c.nodes) == 0
		if rate := s.Rate(); rate > 0 {
			remaining := counts.Queued + counts.InFlight
			r.ETA = time.Duration(float64(remaining) / rate * float64(time.Second))
		}
	}
	return r
}
