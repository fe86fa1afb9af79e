// Package executor 按深度优先顺序执行步骤模型
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
)

// Session 执行器使用的会话原语，与人工接管共用同一会话对象
type Session interface {
	NavigateTo(ctx context.Context, url string) error
	ClickSelector(ctx context.Context, loc step.Locator) error
	TypeInto(ctx context.Context, loc step.Locator, text string, clear bool) error
	SelectOption(ctx context.Context, loc step.Locator, value string) error
	Hover(ctx context.Context, loc step.Locator) error
	ScrollTo(ctx context.Context, loc step.Locator) error
	ScrollBy(ctx context.Context, dx, dy int) error
	WaitVisible(ctx context.Context, loc step.Locator) error
	PressKey(ctx context.Context, key string) error
	Exists(ctx context.Context, loc step.Locator) (bool, error)
	Visible(ctx context.Context, loc step.Locator) (bool, error)
	Text(ctx context.Context, loc step.Locator) (string, error)
	OuterHTML(ctx context.Context, loc step.Locator) (string, error)
	Attribute(ctx context.Context, loc step.Locator, name string) (string, bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
	CurrentURL(ctx context.Context) (string, error)
	StorageState(ctx context.Context) (models.StorageState, error)
	WaitCode(ctx context.Context) (string, error)
	Cancelled() bool
}

// CredentialSource 按字段提供凭据明文
type CredentialSource interface {
	Secret(ctx context.Context, field string) (string, error)
}

// ScreenshotSink 截图落盘
type ScreenshotSink interface {
	SaveScreenshot(executionID, name string, png []byte) (string, error)
}

// Options 执行器参数
type Options struct {
	DefaultTimeout time.Duration
	// LoopCeiling 循环迭代次数上限，不超过 step.HardLoopCeiling
	LoopCeiling int
	// StallLimit 带停止条件的循环连续多少次迭代页面无变化视为卡死
	StallLimit int
	// CodeTimeout 等待人工二次验证码的默认时长
	CodeTimeout time.Duration
	// DownloadTimeout 下载请求超时
	DownloadTimeout time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:  30 * time.Second,
		LoopCeiling:     step.HardLoopCeiling,
		StallLimit:      3,
		CodeTimeout:     5 * time.Minute,
		DownloadTimeout: 2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.LoopCeiling <= 0 || o.LoopCeiling > step.HardLoopCeiling {
		o.LoopCeiling = d.LoopCeiling
	}
	if o.StallLimit <= 0 {
		o.StallLimit = d.StallLimit
	}
	if o.CodeTimeout <= 0 {
		o.CodeTimeout = d.CodeTimeout
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = d.DownloadTimeout
	}
	return o
}

// Run 一次执行的输入
type Run struct {
	ExecutionID string
	Model       *step.Model
	Session     Session
	Bindings    step.Bindings
	Credentials CredentialSource
	// Progress 每完成一个顶层步骤回调一次
	Progress func(done, total int)
}

// Result 执行结果
type Result struct {
	Success          bool
	OptionalFailures int
	Extractions      []models.Extraction
	Logs             []models.LogEntry
	Screenshots      []string
	// FailedIndex 中止时的顶层步骤序号，未中止为 -1
	FailedIndex  int
	FailedPath   string
	Err          error
	ErrorMessage string
}

// Partial 成功但有可选步骤失败
func (r *Result) Partial() bool {
	return r.Success && r.OptionalFailures > 0
}

// Executor 步骤执行器，本身无状态，可并发执行多个 Run
type Executor struct {
	opts    Options
	sink    ScreenshotSink
	client  *resty.Client
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New 创建执行器
func New(opts Options, sink ScreenshotSink, log *logger.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = logger.GetLogger()
	}
	opts = opts.withDefaults()
	client := resty.New().SetTimeout(opts.DownloadTimeout)
	return &Executor{
		opts:    opts,
		sink:    sink,
		client:  client,
		log:     log.WithComponent("executor"),
		metrics: m,
	}
}

// CheckBindings 检查模型声明的变量都已绑定，在打开会话之前调用
func CheckBindings(model *step.Model, bindings step.Bindings) error {
	if model == nil {
		return rpaerr.Configuration("步骤模型为空")
	}
	if err := model.Validate(); err != nil {
		return err
	}
	for _, name := range model.Variables {
		if _, ok := bindings[name]; !ok {
			return rpaerr.Configuration("变量 %q 未绑定", name)
		}
	}
	return nil
}

// Execute 执行步骤模型。非可选步骤失败时中止并返回失败步骤的顶层序号
func (e *Executor) Execute(ctx context.Context, in Run) *Result {
	r := &run{
		e:        e,
		in:       in,
		log:      e.log.FromContext(ctx),
		res:      &Result{FailedIndex: -1},
		bindings: in.Bindings,
	}
	if r.bindings == nil {
		r.bindings = step.Bindings{}
	}

	if err := CheckBindings(in.Model, r.bindings); err != nil {
		return r.fail(err)
	}
	if in.Session == nil {
		return r.fail(rpaerr.Configuration("会话为空"))
	}

	r.logf("info", "开始执行模型 %s v%d，共 %d 个顶层步骤", in.Model.ID, in.Model.Version, len(in.Model.Steps))
	if err := r.top(ctx, in.Model.Steps); err != nil {
		return r.fail(err)
	}
	r.res.Success = true
	r.logf("info", "执行完成，提取 %d 项，可选步骤失败 %d 个", len(r.res.Extractions), r.res.OptionalFailures)
	return r.res
}

// run 单次执行的可变状态
type run struct {
	e        *Executor
	in       Run
	log      *logger.Logger
	res      *Result
	bindings step.Bindings
	secrets  []string
}

func (r *run) fail(err error) *Result {
	var abort *rpaerr.StepAbortError
	if errors.As(err, &abort) {
		r.res.FailedIndex = abort.Index
		r.res.FailedPath = abort.Path
	}
	r.res.Success = false
	r.res.Err = err
	r.res.ErrorMessage = r.scrub(err.Error())
	r.logf("error", "执行中止: %s", err.Error())
	return r.res
}

func (r *run) logf(level, format string, args ...interface{}) {
	msg := r.scrub(fmt.Sprintf(format, args...))
	r.res.Logs = append(r.res.Logs, models.LogEntry{At: time.Now(), Level: level, Message: msg})
	switch level {
	case "error":
		r.log.Error(msg)
	case "warn":
		r.log.Warn(msg)
	default:
		r.log.Debug(msg)
	}
}

// remember 记录已使用的秘密值，之后的日志与截图名称都会将其遮盖
func (r *run) remember(secret string) {
	if secret != "" {
		r.secrets = append(r.secrets, secret)
	}
}

func (r *run) scrub(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "******")
	}
	return s
}

func (r *run) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || r.in.Session.Cancelled()
}

func (r *run) top(ctx context.Context, seq step.Sequence) error {
	total := len(seq)
	for i, s := range seq {
		if r.cancelled(ctx) {
			return rpaerr.ErrCancelled
		}
		path := strconv.Itoa(i)
		if err := r.handle(ctx, s, path, i, r.exec(ctx, s, path, i)); err != nil {
			return err
		}
		if r.in.Progress != nil {
			r.in.Progress(i+1, total)
		}
	}
	return nil
}

func (r *run) sequence(ctx context.Context, seq step.Sequence, prefix string, top int) error {
	for i, s := range seq {
		if r.cancelled(ctx) {
			return rpaerr.ErrCancelled
		}
		path := prefix + "." + strconv.Itoa(i)
		if err := r.handle(ctx, s, path, top, r.exec(ctx, s, path, top)); err != nil {
			return err
		}
	}
	return nil
}

// handle 按步骤策略处理失败：可选步骤吸收，其余中止
func (r *run) handle(ctx context.Context, s step.Step, path string, top int, err error) error {
	if err == nil {
		return nil
	}
	if rpaerr.IsCancelled(err) || rpaerr.IsSessionLost(err) {
		return err
	}
	pol := step.Policy(s)
	if pol.Optional {
		r.res.OptionalFailures++
		r.e.metrics.RecordStepFailure(string(s.Kind()), true)
		r.logf("warn", "可选步骤 %s 失败，继续执行: %s", r.describe(s, path), err.Error())
		return nil
	}
	var abort *rpaerr.StepAbortError
	if errors.As(err, &abort) {
		return err
	}
	r.e.metrics.RecordStepFailure(string(s.Kind()), false)
	return &rpaerr.StepAbortError{Index: top, Path: path, Kind: string(s.Kind()), Cause: err}
}

func (r *run) describe(s step.Step, path string) string {
	if label := step.Policy(s).Label; label != "" {
		return fmt.Sprintf("%s[%s %q]", path, s.Kind(), label)
	}
	return fmt.Sprintf("%s[%s]", path, s.Kind())
}

func (r *run) timeout(s step.Step) time.Duration {
	pol := step.Policy(s)
	if pol.Timeout > 0 {
		return pol.Timeout.Std()
	}
	switch st := s.(type) {
	case *step.Wait:
		return st.Duration.Std() + r.e.opts.DefaultTimeout
	case *step.TwoFactorCode:
		return r.e.opts.CodeTimeout
	case *step.Download:
		return r.e.opts.DownloadTimeout
	}
	return r.e.opts.DefaultTimeout
}

// exec 执行单个步骤（含截图策略），容器步骤的超时由其子步骤各自控制
func (r *run) exec(ctx context.Context, s step.Step, path string, top int) error {
	pol := step.Policy(s)
	r.logf("info", "执行步骤 %s", r.describe(s, path))
	if pol.ScreenshotBefore {
		r.capture(ctx, path+"_before_"+string(s.Kind()))
	}

	var err error
	switch st := s.(type) {
	case *step.Branch:
		err = r.branch(ctx, st, path, top)
	case *step.Loop:
		err = r.loop(ctx, st, path, top)
	default:
		sctx, cancel := context.WithTimeout(ctx, r.timeout(s))
		err = classify(ctx, sctx, r.leaf(sctx, s, path))
		cancel()
	}

	switch {
	case err != nil && (pol.ScreenshotAfter || pol.ScreenshotBefore) && !rpaerr.IsSessionLost(err) && !rpaerr.IsCancelled(err):
		r.capture(ctx, path+"_failure_"+string(s.Kind()))
	case err == nil && pol.ScreenshotAfter:
		r.capture(ctx, path+"_after_"+string(s.Kind()))
	}
	return err
}

// classify 将 ctx 结束统一映射为超时或取消
func classify(parent, sctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpaerr.ErrStepTimeout) || rpaerr.IsCancelled(err) || rpaerr.IsSessionLost(err) {
		return err
	}
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", rpaerr.ErrCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || sctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", rpaerr.ErrStepTimeout, err)
	}
	return err
}

// capture 截图并保存，失败只记录日志
func (r *run) capture(ctx context.Context, name string) {
	if r.e.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.e.opts.DefaultTimeout)
	defer cancel()
	png, err := r.in.Session.Screenshot(sctx)
	if err != nil {
		r.logf("warn", "截图 %s 失败: %s", name, err.Error())
		return
	}
	ref, err := r.e.sink.SaveScreenshot(r.in.ExecutionID, r.scrub(name), png)
	if err != nil {
		r.log.Warn("保存截图失败", zap.Error(err))
		return
	}
	r.res.Screenshots = append(r.res.Screenshots, ref)
}
