// Package ledger 执行记录状态机
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/storage"
)

var (
	// ErrTerminal 执行已处于终态，只允许写入审计元数据
	ErrTerminal = errors.New("执行已处于终态")
	// ErrInvalidTransition 状态迁移不合法
	ErrInvalidTransition = errors.New("非法的状态迁移")
)

// transitions 合法迁移表
var transitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.StatusPending: {models.StatusRunning, models.StatusError, models.StatusCancelled},
	models.StatusRunning: {models.StatusSuccess, models.StatusPartial, models.StatusError, models.StatusCancelled},
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to models.ExecutionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const maxCASRetries = 5

// Ledger 执行记录账本，所有状态写入都经过比较并交换
type Ledger struct {
	repo    storage.ExecutionRepo
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New 创建账本
func New(repo storage.ExecutionRepo, log *logger.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Ledger{
		repo:    repo,
		log:     log.WithComponent("ledger"),
		metrics: m,
		now:     time.Now,
		cancels: map[string]context.CancelFunc{},
	}
}

// NewExecution 创建执行所需的字段
type NewExecution struct {
	ScheduleID   string
	PartnerID    string
	ProviderID   string
	ModelID      string
	ModelVersion int
	Trigger      models.Trigger
	Bindings     map[string]string
}

// Create 创建 pending 状态的执行记录
func (l *Ledger) Create(ctx context.Context, in NewExecution) (*models.Execution, error) {
	if in.PartnerID == "" || in.ProviderID == "" {
		return nil, fmt.Errorf("执行缺少合作方或平台")
	}
	if in.Trigger == "" {
		in.Trigger = models.TriggerManual
	}
	e := &models.Execution{
		ID:           uuid.NewString(),
		ScheduleID:   in.ScheduleID,
		PartnerID:    in.PartnerID,
		ProviderID:   in.ProviderID,
		ModelID:      in.ModelID,
		ModelVersion: in.ModelVersion,
		Trigger:      in.Trigger,
		Bindings:     in.Bindings,
		Status:       models.StatusPending,
		Logs:         []models.LogEntry{},
		CreatedAt:    l.now(),
	}
	if err := l.repo.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("创建执行记录失败: %w", err)
	}
	l.log.Info("执行已创建",
		zap.String("execution_id", e.ID),
		zap.String("schedule_id", e.ScheduleID),
		zap.String("provider_id", e.ProviderID),
		zap.String("trigger", string(e.Trigger)),
	)
	return e, nil
}

// mutate 读取-修改-条件写入，并发写入冲突时重试
func (l *Ledger) mutate(ctx context.Context, id string, fn func(e *models.Execution) error) (*models.Execution, error) {
	for attempt := 0; ; attempt++ {
		e, err := l.repo.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := e.Status
		if err := fn(e); err != nil {
			return e, err
		}
		err = l.repo.UpdateExecution(ctx, e, expected)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxCASRetries {
			return nil, fmt.Errorf("更新执行记录失败: %w", err)
		}
	}
}

func (l *Ledger) transition(e *models.Execution, to models.ExecutionStatus) error {
	if e.Status.Terminal() {
		return fmt.Errorf("执行 %s 为 %s: %w", e.ID, e.Status, ErrTerminal)
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("执行 %s: %s -> %s: %w", e.ID, e.Status, to, ErrInvalidTransition)
	}
	e.Status = to
	return nil
}

// Start pending -> em_execucao，在执行器真正开始驱动会话时调用
func (l *Ledger) Start(ctx context.Context, id string) (*models.Execution, error) {
	return l.mutate(ctx, id, func(e *models.Execution) error {
		if err := l.transition(e, models.StatusRunning); err != nil {
			return err
		}
		now := l.now()
		e.StartedAt = &now
		return nil
	})
}

// Progress 更新进度（0-100）
func (l *Ledger) Progress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := l.mutate(ctx, id, func(e *models.Execution) error {
		if e.Status.Terminal() {
			return fmt.Errorf("执行 %s 为 %s: %w", e.ID, e.Status, ErrTerminal)
		}
		e.Progress = pct
		return nil
	})
	return err
}

// AppendLogs 追加日志
func (l *Ledger) AppendLogs(ctx context.Context, id string, entries ...models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := l.mutate(ctx, id, func(e *models.Execution) error {
		if e.Status.Terminal() {
			return fmt.Errorf("执行 %s 为 %s: %w", e.ID, e.Status, ErrTerminal)
		}
		e.Logs = append(e.Logs, entries...)
		return nil
	})
	return err
}

// Finish 写入终态结果
func (l *Ledger) Finish(ctx context.Context, id string, out models.Outcome) (*models.Execution, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("结束状态 %s 不是终态: %w", out.Status, ErrInvalidTransition)
	}
	e, err := l.mutate(ctx, id, func(e *models.Execution) error {
		if err := l.transition(e, out.Status); err != nil {
			return err
		}
		now := l.now()
		e.FinishedAt = &now
		e.RecordCount = out.RecordCount
		e.RejectedCount = out.RejectedCount
		e.ErrorKind = out.ErrorKind
		e.ErrorMessage = out.ErrorMessage
		e.FailedStep = out.FailedStep
		e.FailedPath = out.FailedPath
		e.Screenshots = append(e.Screenshots, out.Screenshots...)
		e.Logs = append(e.Logs, out.Logs...)
		if out.Status == models.StatusSuccess || out.Status == models.StatusPartial {
			e.Progress = 100
		}
		return nil
	})
	if err != nil {
		return e, err
	}
	l.unregister(id)
	l.observe(e)
	l.log.Info("执行已结束",
		zap.String("execution_id", e.ID),
		zap.String("status", string(e.Status)),
		zap.Int("records", e.RecordCount),
		zap.String("error_kind", e.ErrorKind),
	)
	return e, nil
}

// Cancel 任意非终态 -> cancelado，并通知正在运行的执行
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*models.Execution, error) {
	e, err := l.mutate(ctx, id, func(e *models.Execution) error {
		if err := l.transition(e, models.StatusCancelled); err != nil {
			return err
		}
		now := l.now()
		e.FinishedAt = &now
		e.ErrorKind = "CancelledError"
		e.ErrorMessage = reason
		e.Logs = append(e.Logs, models.LogEntry{At: now, Level: "warn", Message: "执行已被取消: " + reason})
		return nil
	})
	if err != nil {
		return e, err
	}

	l.mu.Lock()
	cancel := l.cancels[id]
	delete(l.cancels, id)
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.observe(e)
	l.log.Info("执行已取消", zap.String("execution_id", id), zap.String("reason", reason))
	return e, nil
}

// errInterrupted 进程退出时仍未结束的执行
var errInterrupted = rpaerr.SessionLost(errors.New("进程重启，执行被中断"))

// RecoverInterrupted 将上次进程退出时遗留的非终态执行写为 erro，返回处理的条数。
// 必须在调度器和 API 接收新执行之前调用
func (l *Ledger) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := l.repo.ListExecutions(ctx, storage.ExecutionFilter{Statuses: storage.NonTerminal})
	if err != nil {
		return 0, fmt.Errorf("列出未结束的执行失败: %w", err)
	}
	n := 0
	for _, e := range stale {
		_, err := l.Finish(ctx, e.ID, models.Outcome{
			Status:       models.StatusError,
			ErrorKind:    rpaerr.Kind(errInterrupted),
			ErrorMessage: errInterrupted.Error(),
			Logs:         []models.LogEntry{{At: l.now(), Level: "error", Message: "执行在进程重启时被中断"}},
		})
		if errors.Is(err, ErrTerminal) || errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		l.log.Warn("已结束被中断的执行", zap.Int("count", n))
	}
	return n, nil
}

// Annotate 写入审计元数据，终态记录也允许
func (l *Ledger) Annotate(ctx context.Context, id, key, value string) error {
	_, err := l.mutate(ctx, id, func(e *models.Execution) error {
		if e.Audit == nil {
			e.Audit = map[string]string{}
		}
		e.Audit[key] = value
		return nil
	})
	return err
}

// RegisterCancel 登记正在运行执行的取消函数，返回注销函数
func (l *Ledger) RegisterCancel(id string, cancel context.CancelFunc) func() {
	l.mu.Lock()
	l.cancels[id] = cancel
	l.mu.Unlock()
	return func() { l.unregister(id) }
}

func (l *Ledger) unregister(id string) {
	l.mu.Lock()
	delete(l.cancels, id)
	l.mu.Unlock()
}

func (l *Ledger) observe(e *models.Execution) {
	var d time.Duration
	if e.StartedAt != nil && e.FinishedAt != nil {
		d = e.FinishedAt.Sub(*e.StartedAt)
	}
	l.metrics.RecordExecution(e.ProviderID, string(e.Status), d)
}

// Get 读取执行记录
func (l *Ledger) Get(ctx context.Context, id string) (*models.Execution, error) {
	return l.repo.GetExecution(ctx, id)
}

// List 按条件列出执行记录
func (l *Ledger) List(ctx context.Context, f storage.ExecutionFilter) ([]*models.Execution, error) {
	return l.repo.ListExecutions(ctx, f)
}

// ListBySchedule 列出某调度的执行记录（新的在前）
func (l *Ledger) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]*models.Execution, error) {
	return l.repo.ListExecutions(ctx, storage.ExecutionFilter{ScheduleID: scheduleID, Limit: limit})
}

// ActiveForSchedule 返回该调度尚未结束的执行
func (l *Ledger) ActiveForSchedule(ctx context.Context, scheduleID string) (*models.Execution, bool, error) {
	list, err := l.repo.ListExecutions(ctx, storage.ExecutionFilter{
		ScheduleID: scheduleID,
		Statuses:   storage.NonTerminal,
		Limit:      1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return list[0], true, nil
}
