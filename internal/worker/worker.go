// Package worker 串联凭据、会话、执行器、标准化与账本，完成一次执行
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/executor"
	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/vault"
)

var _ executor.Session = (*session.Session)(nil)

// ErrShuttingDown 关闭过程中不再接收新的执行
var ErrShuttingDown = errors.New("worker 正在关闭")

// Deps 依赖
type Deps struct {
	Store      storage.Store
	Ledger     *ledger.Ledger
	Vault      *vault.Vault
	Sessions   *session.Manager
	Executor   *executor.Executor
	Normalizer *normalizer.Normalizer
	Merger     *normalizer.Merger
	Location   *time.Location
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// Worker 执行编排
type Worker struct {
	store      storage.Store
	ledger     *ledger.Ledger
	vault      *vault.Vault
	sessions   *session.Manager
	executor   *executor.Executor
	normalizer *normalizer.Normalizer
	merger     *normalizer.Merger
	loc        *time.Location
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// 同一 (partner, provider) 的执行串行，值在执行结束时关闭
	keysMu  sync.Mutex
	running map[session.Key]chan struct{}
}

// New 创建 Worker
func New(d Deps) *Worker {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = logger.GetLogger()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:      d.Store,
		ledger:     d.Ledger,
		vault:      d.Vault,
		sessions:   d.Sessions,
		executor:   d.Executor,
		normalizer: d.Normalizer,
		merger:     d.Merger,
		loc:        d.Location,
		log:        d.Logger.WithComponent("worker"),
		metrics:    d.Metrics,
		now:        time.Now,
		root:       root,
		cancel:     cancel,
		running:    map[session.Key]chan struct{}{},
	}
}

// acquire 占用账号的执行权，已被占用时等待上一次执行结束或 ctx 取消
func (w *Worker) acquire(ctx context.Context, key session.Key) (func(), error) {
	for {
		w.keysMu.Lock()
		busy, ok := w.running[key]
		if !ok {
			done := make(chan struct{})
			w.running[key] = done
			w.keysMu.Unlock()
			return func() {
				w.keysMu.Lock()
				delete(w.running, key)
				w.keysMu.Unlock()
				close(done)
			}, nil
		}
		w.keysMu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, rpaerr.ErrCancelled
		}
	}
}

// RunRequest 手动触发参数，指定 ScheduleID 时其余字段取自调度
type RunRequest struct {
	ScheduleID   string            `json:"schedule_id,omitempty"`
	PartnerID    string            `json:"partner_id,omitempty"`
	ProviderID   string            `json:"provider_id,omitempty"`
	ModelID      string            `json:"model_id,omitempty"`
	ModelVersion int               `json:"model_version,omitempty"`
	Bindings     map[string]string `json:"bindings,omitempty"`
}

// Trigger 手动触发一次执行并异步运行
func (w *Worker) Trigger(ctx context.Context, req RunRequest) (*models.Execution, error) {
	in := ledger.NewExecution{
		PartnerID:    req.PartnerID,
		ProviderID:   req.ProviderID,
		ModelID:      req.ModelID,
		ModelVersion: req.ModelVersion,
		Trigger:      models.TriggerManual,
		Bindings:     req.Bindings,
	}
	if req.ScheduleID != "" {
		sc, err := w.store.GetSchedule(ctx, req.ScheduleID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rpaerr.WrapConfiguration(err, "调度 %s 不存在", req.ScheduleID)
		}
		if err != nil {
			return nil, err
		}
		in.ScheduleID = sc.ID
		in.PartnerID = sc.PartnerID
		in.ProviderID = sc.ProviderID
		in.ModelID = sc.ModelID
		in.ModelVersion = sc.ModelVersion
		in.Bindings = mergeBindings(sc.Bindings, req.Bindings)

		if active, found, err := w.ledger.ActiveForSchedule(ctx, sc.ID); err != nil {
			return nil, err
		} else if found {
			return active, fmt.Errorf("调度 %s 的上一次执行 %s 仍在进行: %w", sc.ID, active.ID, storage.ErrConflict)
		}
	}
	if in.PartnerID == "" || in.ProviderID == "" || in.ModelID == "" {
		return nil, rpaerr.Configuration("需要 schedule_id 或 partner_id、provider_id、model_id")
	}

	exec, err := w.ledger.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := w.Dispatch(exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// Dispatch 在受监督的 goroutine 中运行执行，panic 会被记录为 erro
func (w *Worker) Dispatch(exec *models.Execution) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.fail(context.Background(), exec.ID, rpaerr.ErrCancelled)
		return ErrShuttingDown
	}
	w.wg.Add(1)
	w.mu.Unlock()

	w.metrics.RecordDispatch(exec.ProviderID)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("执行发生 panic",
					zap.String("execution_id", exec.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				w.fail(context.Background(), exec.ID, fmt.Errorf("内部错误: %v", r))
			}
		}()
		w.Run(w.root, exec.ID)
	}()
	return nil
}

// Cancel 取消执行，正在进行的浏览器动作会被放弃
func (w *Worker) Cancel(ctx context.Context, executionID, reason string) (*models.Execution, error) {
	if reason == "" {
		reason = "操作员取消"
	}
	return w.ledger.Cancel(ctx, executionID, reason)
}

// plan 会话打开前需要准备好的全部输入
type plan struct {
	exec       *models.Execution
	provider   *models.Provider
	model      *step.Model
	bindings   step.Bindings
	credential *models.Credential
}

// prepare 读取平台、步骤模型与凭据，失败均为配置错误，此时不分配任何浏览器资源
func (w *Worker) prepare(ctx context.Context, exec *models.Execution) (*plan, error) {
	provider, err := w.store.GetProvider(ctx, exec.ProviderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rpaerr.WrapConfiguration(err, "平台 %s 不存在", exec.ProviderID)
	}
	if err != nil {
		return nil, err
	}

	model, err := w.store.GetModel(ctx, exec.ModelID, exec.ModelVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, rpaerr.WrapConfiguration(err, "步骤模型 %s v%d 不存在", exec.ModelID, exec.ModelVersion)
	}
	if err != nil {
		return nil, err
	}
	if model.ProviderID != provider.ID {
		return nil, rpaerr.Configuration("步骤模型 %s 属于平台 %s，不是 %s", model.ID, model.ProviderID, provider.ID)
	}

	bindings := mergeBindings(periodBindings(w.now(), w.loc), map[string]string{
		"partner_id":  exec.PartnerID,
		"provider_id": exec.ProviderID,
	}, exec.Bindings)
	if err := executor.CheckBindings(model, bindings); err != nil {
		return nil, err
	}

	cred, err := w.vault.ActiveFor(ctx, exec.PartnerID, exec.ProviderID)
	if err != nil {
		return nil, err
	}
	return &plan{exec: exec, provider: provider, model: model, bindings: bindings, credential: cred}, nil
}

// Run 同步运行一次执行直到终态
func (w *Worker) Run(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := w.ledger.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.StatusPending {
		return exec, fmt.Errorf("执行 %s 状态为 %s，不能运行: %w", exec.ID, exec.Status, ledger.ErrInvalidTransition)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.ledger.RegisterCancel(exec.ID, cancel)()
	ctx = logger.WithExecution(ctx, exec.ID, exec.PartnerID, exec.ProviderID)
	log := w.log.FromContext(ctx)

	p, err := w.prepare(ctx, exec)
	if err != nil {
		log.Warn("执行准备失败", zap.Error(err))
		return w.fail(ctx, exec.ID, err)
	}

	key := session.Key{PartnerID: exec.PartnerID, ProviderID: exec.ProviderID}
	w.keysMu.Lock()
	_, waiting := w.running[key]
	w.keysMu.Unlock()
	if waiting {
		log.Info("同一账号的上一次执行仍在进行，等待其结束")
	}
	release, err := w.acquire(ctx, key)
	if err != nil {
		return w.fail(ctx, exec.ID, err)
	}
	defer release()

	// 此时存在的会话只可能来自人工接管，不属于本次执行
	_, shared := w.sessions.Get(key)
	sess, restored, err := w.sessions.ResumePersisted(ctx, key, p.provider.AuthCheck)
	if err != nil {
		return w.fail(ctx, exec.ID, rpaerr.SessionLost(err))
	}
	// 取消时立即放弃会话中正在进行的动作，不写回存储状态
	stop := context.AfterFunc(ctx, sess.Cancel)
	defer stop()

	if _, err := w.ledger.Start(ctx, exec.ID); err != nil {
		if !shared {
			w.sessions.Close(key)
		}
		return w.ledger.Get(context.Background(), exec.ID)
	}
	log.Info("开始执行步骤模型",
		zap.String("model_id", p.model.ID),
		zap.Int("model_version", p.model.Version),
		zap.Bool("restored_session", restored),
		zap.Bool("shared_session", shared))

	src := w.vault.Source(p.credential.ID)
	defer src.Forget()
	res := w.executor.Execute(ctx, executor.Run{
		ExecutionID: exec.ID,
		Model:       p.model,
		Session:     sess,
		Bindings:    p.bindings,
		Credentials: src,
		Progress: func(done, total int) {
			// 最后 10% 留给标准化与合并
			if err := w.ledger.Progress(ctx, exec.ID, done*90/total); err != nil && !errors.Is(err, ledger.ErrTerminal) {
				log.Debug("更新进度失败", zap.Error(err))
			}
		},
	})

	out := w.finish(ctx, p, sess, res)
	if !shared || out.Status != models.StatusSuccess && out.Status != models.StatusPartial {
		w.sessions.Close(key)
	}

	// 取消后的写入用独立 context
	done, err := w.ledger.Finish(context.Background(), exec.ID, out)
	if errors.Is(err, ledger.ErrTerminal) {
		log.Info("执行已被其他操作结束，丢弃本次结果", zap.String("status", string(out.Status)))
		return w.ledger.Get(context.Background(), exec.ID)
	}
	return done, err
}

// finish 根据执行器结果完成标准化与合并并决定终态
func (w *Worker) finish(ctx context.Context, p *plan, sess *session.Session, res *executor.Result) models.Outcome {
	log := w.log.FromContext(ctx)
	out := models.Outcome{
		Logs:        res.Logs,
		Screenshots: res.Screenshots,
	}

	if res.Err != nil {
		if ctx.Err() != nil && !rpaerr.IsSessionLost(res.Err) {
			res.Err = rpaerr.ErrCancelled
		}
		out.Status = models.StatusError
		if rpaerr.IsCancelled(res.Err) {
			out.Status = models.StatusCancelled
		}
		out.ErrorKind = rpaerr.Kind(res.Err)
		out.ErrorMessage = res.ErrorMessage
		if res.FailedIndex >= 0 {
			idx := res.FailedIndex
			out.FailedStep = &idx
		}
		out.FailedPath = res.FailedPath
		return out
	}

	bg := context.Background()
	if err := sess.PersistState(ctx); err == nil {
		log.Info("会话状态已保存")
		if err := w.vault.MarkValidated(bg, p.credential.ID, true, w.now()); err != nil {
			log.Warn("记录凭据校验结果失败", zap.Error(err))
		}
	} else if !errors.Is(err, session.ErrNotAuthenticated) {
		log.Warn("保存会话状态失败", zap.Error(err))
	}

	records, nerr := w.normalizer.Normalize(p.provider, normalizer.Meta{
		ExecutionID:  p.exec.ID,
		PartnerID:    p.exec.PartnerID,
		FallbackDate: fallbackDate(p.bindings, w.loc),
	}, res.Extractions)
	out.RecordCount = len(records)
	if nerr != nil {
		out.RejectedCount = nerr.Rejected
		for _, reason := range nerr.Reasons {
			out.Logs = append(out.Logs, models.LogEntry{At: w.now(), Level: "warn", Message: "标准化: " + reason})
		}
	}

	if len(records) > 0 {
		weeks, err := w.merger.Merge(bg, p.exec.ID, p.exec.PartnerID, records)
		if err != nil {
			out.Status = models.StatusError
			out.ErrorKind = rpaerr.Kind(err)
			out.ErrorMessage = err.Error()
			return out
		}
		for _, week := range weeks {
			out.Logs = append(out.Logs, models.LogEntry{At: w.now(), Level: "info", Message: "已合并到 " + week.String() + " 周汇总"})
		}
	}
	w.metrics.RecordRecords(p.provider.ID, len(records), out.RejectedCount)

	switch {
	case len(records) == 0 && nerr != nil:
		out.Status = models.StatusError
		out.ErrorKind = rpaerr.Kind(nerr)
		out.ErrorMessage = nerr.Error()
	case len(records) == 0 && p.provider.ExpectsRecords && p.model.HasExtraction():
		out.Status = models.StatusError
		out.ErrorKind = "NormalizationError"
		out.ErrorMessage = "没有提取到任何记录"
	case nerr != nil:
		out.Status = models.StatusPartial
		out.ErrorKind = rpaerr.Kind(nerr)
		out.ErrorMessage = nerr.Error()
	case res.Partial():
		out.Status = models.StatusPartial
	default:
		out.Status = models.StatusSuccess
	}
	return out
}

// fail 将尚未结束的执行写为 erro（取消时为 cancelado）
func (w *Worker) fail(ctx context.Context, executionID string, cause error) (*models.Execution, error) {
	status := models.StatusError
	if rpaerr.IsCancelled(cause) {
		status = models.StatusCancelled
	}
	e, err := w.ledger.Finish(context.Background(), executionID, models.Outcome{
		Status:       status,
		ErrorKind:    rpaerr.Kind(cause),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		w.log.FromContext(ctx).Debug("写入失败结果被拒绝", zap.String("execution_id", executionID), zap.Error(err))
		return w.ledger.Get(context.Background(), executionID)
	}
	return e, nil
}

// Shutdown 停止接收新执行并等待进行中的执行结束；ctx 到期时取消剩余执行
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Worker 已优雅关闭")
		return nil
	case <-ctx.Done():
		w.log.Warn("等待执行结束超时，取消剩余执行")
		w.cancel()
		<-done
		return ctx.Err()
	}
}
