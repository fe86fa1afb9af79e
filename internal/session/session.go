package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/browser"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
)

// ErrNotAuthenticated 会话尚未登录
var ErrNotAuthenticated = errors.New("会话尚未登录")

// Session 一个存活的浏览器会话。脚本执行与人工接管调用的是同一组原语，
// 原语之间串行执行
type Session struct {
	key      Key
	page     browser.Page
	manager  *Manager
	openedAt time.Time

	authMu sync.RWMutex
	auth   models.AuthCheck

	// mu 串行化原语调用
	mu sync.Mutex

	cancelled     atomic.Bool
	lost          atomic.Bool
	closed        atomic.Bool
	authenticated atomic.Bool
	awaitingCode  atomic.Bool
	interactive   atomic.Bool

	codes chan string
}

func newSession(m *Manager, key Key, auth models.AuthCheck, page browser.Page) *Session {
	return &Session{
		key:      key,
		page:     page,
		manager:  m,
		auth:     auth,
		openedAt: time.Now(),
		codes:    make(chan string, 1),
	}
}

// Key 会话键
func (s *Session) Key() Key { return s.key }

func (s *Session) setAuth(auth models.AuthCheck) {
	if auth.IsZero() {
		return
	}
	s.authMu.Lock()
	s.auth = auth
	s.authMu.Unlock()
}

func (s *Session) authCheck() models.AuthCheck {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.auth
}

// usable 未取消、未丢失、未关闭
func (s *Session) usable() bool {
	return !s.cancelled.Load() && !s.lost.Load() && !s.closed.Load()
}

// Info 会话概况
func (s *Session) Info() Info {
	return Info{
		PartnerID:     s.key.PartnerID,
		ProviderID:    s.key.ProviderID,
		Authenticated: s.authenticated.Load(),
		AwaitingCode:  s.awaitingCode.Load(),
		Interactive:   s.interactive.Load(),
		OpenedAt:      s.openedAt,
	}
}

func (s *Session) markLost(cause error) {
	if s.lost.Swap(true) {
		return
	}
	s.authenticated.Store(false)
	s.manager.forget(s)
	s.manager.metrics.RecordSessionLost(s.key.ProviderID)
	s.manager.log.Warn("浏览器会话丢失", zap.String("session", s.key.String()), zap.Error(cause))
	_ = s.page.Close()
}

// do 执行一个原语：先检查取消标记与存活状态，再串行调用
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.cancelled.Load() {
		return rpaerr.ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled.Load() {
		return rpaerr.ErrCancelled
	}
	if s.lost.Load() || s.closed.Load() || !s.page.Alive() {
		err := rpaerr.SessionLost(browser.ErrPageClosed)
		s.markLost(err)
		return err
	}
	err := fn(ctx)
	if rpaerr.IsSessionLost(err) {
		s.markLost(err)
	}
	return err
}

// NavigateTo 打开 URL
func (s *Session) NavigateTo(ctx context.Context, url string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.Navigate(ctx, url) })
}

// ClickAt 按页面坐标点击
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.ClickAt(ctx, x, y) })
}

// ClickSelector 点击定位到的元素
func (s *Session) ClickSelector(ctx context.Context, loc step.Locator) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.Click(ctx, loc) })
}

// TypeText 向当前焦点元素输入文本
func (s *Session) TypeText(ctx context.Context, text string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.InsertText(ctx, text) })
}

// TypeInto 在元素中输入文本
func (s *Session) TypeInto(ctx context.Context, loc step.Locator, text string, clear bool) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.Type(ctx, loc, text, clear) })
}

// PressKey 按键
func (s *Session) PressKey(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.PressKey(ctx, key) })
}

// SelectOption 选择下拉框选项
func (s *Session) SelectOption(ctx context.Context, loc step.Locator, value string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.Select(ctx, loc, value) })
}

// Hover 鼠标悬停
func (s *Session) Hover(ctx context.Context, loc step.Locator) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.Hover(ctx, loc) })
}

// ScrollTo 滚动到元素
func (s *Session) ScrollTo(ctx context.Context, loc step.Locator) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.ScrollTo(ctx, loc) })
}

// ScrollBy 按偏移滚动
func (s *Session) ScrollBy(ctx context.Context, dx, dy int) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.ScrollBy(ctx, dx, dy) })
}

// WaitVisible 等待元素可见
func (s *Session) WaitVisible(ctx context.Context, loc step.Locator) error {
	return s.do(ctx, func(ctx context.Context) error { return s.page.WaitVisible(ctx, loc) })
}

// Exists 元素是否存在
func (s *Session) Exists(ctx context.Context, loc step.Locator) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) (err error) {
		ok, err = s.page.Exists(ctx, loc)
		return err
	})
	return ok, err
}

// Visible 元素是否存在且可见
func (s *Session) Visible(ctx context.Context, loc step.Locator) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) (err error) {
		ok, err = s.page.Visible(ctx, loc)
		return err
	})
	return ok, err
}

// Text 元素文本
func (s *Session) Text(ctx context.Context, loc step.Locator) (string, error) {
	var text string
	err := s.do(ctx, func(ctx context.Context) (err error) {
		text, err = s.page.Text(ctx, loc)
		return err
	})
	return text, err
}

// OuterHTML 元素 HTML，定位为空时返回整个文档
func (s *Session) OuterHTML(ctx context.Context, loc step.Locator) (string, error) {
	var html string
	err := s.do(ctx, func(ctx context.Context) (err error) {
		html, err = s.page.OuterHTML(ctx, loc)
		return err
	})
	return html, err
}

// Attribute 元素属性
func (s *Session) Attribute(ctx context.Context, loc step.Locator, name string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.do(ctx, func(ctx context.Context) (err error) {
		value, found, err = s.page.Attribute(ctx, loc, name)
		return err
	})
	return value, found, err
}

// Screenshot 截图（PNG）
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := s.do(ctx, func(ctx context.Context) (err error) {
		png, err = s.page.Screenshot(ctx)
		return err
	})
	return png, err
}

// CurrentURL 当前 URL
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.do(ctx, func(ctx context.Context) (err error) {
		url, err = s.page.URL(ctx)
		return err
	})
	return url, err
}

// StorageState 导出当前存储状态
func (s *Session) StorageState(ctx context.Context) (models.StorageState, error) {
	var state models.StorageState
	err := s.do(ctx, func(ctx context.Context) (err error) {
		state, err = s.page.StorageState(ctx)
		return err
	})
	return state, err
}

// IsAuthenticated 按平台规则判断是否已登录：URL 包含指定片段且登录后标记元素存在
func (s *Session) IsAuthenticated(ctx context.Context) (bool, error) {
	auth := s.authCheck()
	if auth.IsZero() {
		return false, nil
	}
	ok := true
	err := s.do(ctx, func(ctx context.Context) error {
		if auth.URLContains != "" {
			url, err := s.page.URL(ctx)
			if err != nil {
				return err
			}
			ok = strings.Contains(url, auth.URLContains)
		}
		if ok && auth.Marker != nil {
			exists, err := s.page.Exists(ctx, *auth.Marker)
			if err != nil {
				return err
			}
			ok = exists
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.authenticated.Store(ok)
	return ok, nil
}

// PersistState 仅在已登录时持久化存储状态
func (s *Session) PersistState(ctx context.Context) error {
	ok, err := s.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthenticated
	}
	state, err := s.StorageState(ctx)
	if err != nil {
		return err
	}
	return s.manager.persist(ctx, s.key, state)
}

// SubmitCode 提交人工获取的二次验证码，覆盖尚未被读取的旧验证码
func (s *Session) SubmitCode(code string) error {
	if !s.usable() {
		return ErrNoSession
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("验证码不能为空")
	}
	for {
		select {
		case s.codes <- code:
			return nil
		default:
			select {
			case <-s.codes:
			default:
			}
		}
	}
}

// WaitCode 等待人工提交验证码，受 ctx 截止时间约束
func (s *Session) WaitCode(ctx context.Context) (string, error) {
	s.awaitingCode.Store(true)
	defer s.awaitingCode.Store(false)

	select {
	case code := <-s.codes:
		return code, nil
	case <-ctx.Done():
		if s.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled) {
			return "", rpaerr.ErrCancelled
		}
		return "", fmt.Errorf("%w: 等待二次验证码: %v", rpaerr.ErrStepTimeout, ctx.Err())
	}
}

// Cancel 设置取消标记；正在执行的原语结束后关闭页面，不持久化状态
func (s *Session) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.manager.forget(s)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.closePage(); err != nil {
			s.manager.log.Warn("取消后关闭会话失败", zap.String("session", s.key.String()), zap.Error(err))
		}
	}()
}

// Cancelled 是否已取消
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Alive 会话是否仍可用
func (s *Session) Alive() bool {
	return s.usable() && s.page.Alive()
}

// shutdown 等待当前原语结束后关闭页面
func (s *Session) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closePage()
}

func (s *Session) closePage() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.authenticated.Store(false)
	return s.page.Close()
}
