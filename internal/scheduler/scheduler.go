// Package scheduler 周期扫描到期调度，防止重叠执行并推进下一次运行时间
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/storage"
)

// Dispatcher 异步运行已创建的执行
type Dispatcher interface {
	Dispatch(exec *models.Execution) error
}

// CredentialChecker 查询有效凭据
type CredentialChecker interface {
	ActiveFor(ctx context.Context, partnerID, providerID string) (*models.Credential, error)
}

// Options 调度器参数
type Options struct {
	// TickSpec 扫描周期，robfig/cron 语法
	TickSpec string
	Location *time.Location
}

// TickReport 一次扫描的结果
type TickReport struct {
	Due        int
	Dispatched int
	Skipped    int
	Failed     int
}

// Scheduler 调度器，拥有显式的启动与停止生命周期
type Scheduler struct {
	store      storage.ScheduleRepo
	ledger     *ledger.Ledger
	creds      CredentialChecker
	dispatcher Dispatcher
	loc        *time.Location
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	cron *cron.Cron
	// tickMu 扫描串行执行
	tickMu sync.Mutex
}

// New 创建调度器
func New(store storage.ScheduleRepo, l *ledger.Ledger, creds CredentialChecker, d Dispatcher, opts Options, log *logger.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if opts.TickSpec == "" {
		opts.TickSpec = "@every 5m"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Scheduler{
		store:      store,
		ledger:     l,
		creds:      creds,
		dispatcher: d,
		loc:        opts.Location,
		log:        log.WithComponent("scheduler"),
		metrics:    m,
		now:        time.Now,
	}

	cl := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(opts.TickSpec, func() {
		if _, err := s.Tick(context.Background(), s.now()); err != nil {
			s.log.Error("调度扫描失败", zap.Error(err))
		}
	}); err != nil {
		return nil, rpaerr.WrapConfiguration(err, "扫描周期 %q 无效", opts.TickSpec)
	}
	return s, nil
}

// Start 启动周期扫描
func (s *Scheduler) Start() {
	s.log.Info("调度器已启动", zap.String("location", s.loc.String()))
	s.cron.Start()
}

// Stop 停止周期扫描并等待正在进行的扫描结束
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.log.Info("调度器已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun 使用调度器时区计算下一次运行时间
func (s *Scheduler) NextRun(r models.Recurrence, after time.Time) (time.Time, error) {
	return Next(r, after, s.loc)
}

// Prepare 保存前校验调度并初始化下一次运行时间
func (s *Scheduler) Prepare(sc *models.Schedule) error {
	now := s.now()
	if sc.PartnerID == "" || sc.ProviderID == "" || sc.ModelID == "" {
		return rpaerr.Configuration("调度缺少合作方、平台或步骤模型")
	}
	next, err := s.NextRun(sc.Recurrence, now)
	if err != nil {
		return err
	}
	if sc.NextRunAt.IsZero() || sc.NextRunAt.Before(now) {
		sc.NextRunAt = next
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	return nil
}

// Tick 处理所有到期调度。下一次运行时间总会推进，与派发的执行结果无关
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() { s.metrics.RecordTick(time.Since(start)) }()

	var report TickReport
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return report, fmt.Errorf("查询到期调度失败: %w", err)
	}
	report.Due = len(due)

	for _, sc := range due {
		switch s.fire(ctx, sc, now) {
		case fired:
			report.Dispatched++
		case skipped:
			report.Skipped++
		case failed:
			report.Failed++
		}
		s.advance(ctx, sc, now)
	}

	if report.Due > 0 {
		s.log.Info("调度扫描完成",
			zap.Int("due", report.Due),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

type fireResult int

const (
	fired fireResult = iota
	skipped
	failed
)

func (s *Scheduler) fire(ctx context.Context, sc *models.Schedule, now time.Time) fireResult {
	log := s.log.With(zap.String("schedule_id", sc.ID), zap.String("provider_id", sc.ProviderID))

	active, found, err := s.ledger.ActiveForSchedule(ctx, sc.ID)
	if err != nil {
		log.Error("查询进行中的执行失败", zap.Error(err))
		return failed
	}
	if found {
		log.Warn("上一次执行仍在进行，跳过本次触发", zap.String("execution_id", active.ID))
		s.metrics.RecordSkip(sc.ProviderID, "overlap")
		return skipped
	}

	exec, err := s.ledger.Create(ctx, ledger.NewExecution{
		ScheduleID:   sc.ID,
		PartnerID:    sc.PartnerID,
		ProviderID:   sc.ProviderID,
		ModelID:      sc.ModelID,
		ModelVersion: sc.ModelVersion,
		Trigger:      models.TriggerSchedule,
		Bindings:     sc.Bindings,
	})
	if err != nil {
		log.Error("创建执行失败", zap.Error(err))
		return failed
	}

	// 没有有效凭据时直接进入 erro，不派发
	if _, err := s.creds.ActiveFor(ctx, sc.PartnerID, sc.ProviderID); err != nil {
		log.Warn("没有有效凭据，执行直接失败", zap.String("execution_id", exec.ID), zap.Error(err))
		if _, ferr := s.ledger.Finish(ctx, exec.ID, models.Outcome{
			Status:       models.StatusError,
			ErrorKind:    rpaerr.Kind(err),
			ErrorMessage: err.Error(),
		}); ferr != nil {
			log.Error("写入执行失败结果失败", zap.Error(ferr))
		}
		s.metrics.RecordSkip(sc.ProviderID, "credential")
		return failed
	}

	if err := s.dispatcher.Dispatch(exec); err != nil {
		log.Error("派发执行失败", zap.String("execution_id", exec.ID), zap.Error(err))
		return failed
	}
	log.Info("执行已派发", zap.String("execution_id", exec.ID))
	return fired
}

// advance 从 max(now, 上一次 next_run) 推进下一次运行时间
func (s *Scheduler) advance(ctx context.Context, sc *models.Schedule, now time.Time) {
	base := now
	if sc.NextRunAt.After(base) {
		base = sc.NextRunAt
	}
	next, err := s.NextRun(sc.Recurrence, base)
	if err != nil {
		// 规则无效时停用，避免每次扫描都重复触发
		s.log.Error("计算下一次运行时间失败，调度已停用", zap.String("schedule_id", sc.ID), zap.Error(err))
		sc.Active = false
	} else {
		sc.NextRunAt = next
	}
	last := now
	sc.LastRunAt = &last
	sc.UpdatedAt = now
	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		s.log.Error("保存调度失败", zap.String("schedule_id", sc.ID), zap.Error(err))
	}
}

// cronLogger 将 robfig/cron 日志接到 zap
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
