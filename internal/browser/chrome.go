package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
)

// Options 浏览器启动参数
type Options struct {
	Headless     bool   `yaml:"headless"`
	ExecPath     string `yaml:"exec_path"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`
	UserAgent    string `yaml:"user_agent"`
	// StartTimeout 启动浏览器进程的超时
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// ChromeDriver 基于 chromedp 的驱动，每个页面独占一个浏览器进程，Cookie 互不共享
type ChromeDriver struct {
	opts Options
	log  *logger.Logger
}

// NewChromeDriver 创建 Chrome 驱动
func NewChromeDriver(opts Options, log *logger.Logger) *ChromeDriver {
	if opts.WindowWidth == 0 || opts.WindowHeight == 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.ExecPath == "" {
		opts.ExecPath = findChrome()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &ChromeDriver{opts: opts, log: log.WithComponent("browser")}
}

// findChrome 在 PATH 中查找 Chrome/Chromium，找不到时交给 chromedp 默认查找
func findChrome() string {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(d.opts.WindowWidth, d.opts.WindowHeight),
	)
	if d.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.opts.ExecPath))
	}
	if d.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.opts.UserAgent))
	}
	return opts
}

// NewPage 启动新的浏览器进程并返回其页面。页面生命周期与 ctx 无关，需调用 Close
func (d *ChromeDriver) NewPage(ctx context.Context) (Page, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...interface{}) {
		d.log.Debug(fmt.Sprintf(format, args...))
	}))

	p := &chromePage{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		log:         d.log,
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			p.markDead()
		}
	})

	startCtx, cancel := context.WithTimeout(tabCtx, d.opts.StartTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(startCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	d.log.Info("浏览器页面已启动", zap.Bool("headless", d.opts.Headless))
	return p, nil
}

type chromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	log         *logger.Logger

	mu     sync.Mutex
	dead   bool
	closed bool
}

func (p *chromePage) markDead() {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

// Alive 浏览器进程与页面是否仍可用
func (p *chromePage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead && !p.closed && p.ctx.Err() == nil
}

// Close 关闭页面并结束浏览器进程，可重复调用
func (p *chromePage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// 先尝试正常关闭标签页，再结束进程
	closeCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	err := chromedp.Cancel(closeCtx)
	cancel()
	p.cancel()
	p.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("关闭浏览器失败: %w", err)
	}
	return nil
}

// run 在页面上执行动作，继承调用方 ctx 的截止时间与取消
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if !p.Alive() {
		return rpaerr.SessionLost(ErrPageClosed)
	}

	actx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		actx, cancelDeadline = context.WithDeadline(actx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(actx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case !p.Alive():
		return rpaerr.SessionLost(err)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %v", rpaerr.ErrCancelled, err)
	case errors.Is(actx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", rpaerr.ErrStepTimeout, err)
	default:
		return err
	}
}

func query(loc step.Locator) (string, chromedp.QueryOption) {
	if xp, ok := XPath(loc); ok {
		return xp, chromedp.BySearch
	}
	return loc.Selector, chromedp.ByQuery
}

// jsElement 返回定位到元素的 JavaScript 表达式
func jsElement(loc step.Locator) string {
	if xp, ok := XPath(loc); ok {
		return fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", jsString(xp))
	}
	return fmt.Sprintf("document.querySelector(%s)", jsString(loc.Selector))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if rpaerr.IsSessionLost(err) || rpaerr.IsCancelled(err) || errors.Is(err, rpaerr.ErrStepTimeout) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", rpaerr.ErrNavigation, url, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, loc step.Locator) error {
	sel, by := query(loc)
	return p.run(ctx, chromedp.Click(sel, by, chromedp.NodeVisible))
}

func (p *chromePage) ClickAt(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.MouseClickXY(x, y))
}

func (p *chromePage) Hover(ctx context.Context, loc step.Locator) error {
	sel, by := query(loc)
	var box *dom.BoxModel
	return p.run(ctx,
		chromedp.ScrollIntoView(sel, by),
		chromedp.Dimensions(sel, &box, by),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if box == nil || len(box.Content) < 8 {
				return fmt.Errorf("%w: %s", rpaerr.ErrElementNotFound, loc)
			}
			x := (box.Content[0] + box.Content[4]) / 2
			y := (box.Content[1] + box.Content[5]) / 2
			return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
		}),
	)
}

func (p *chromePage) Type(ctx context.Context, loc step.Locator, text string, clear bool) error {
	sel, by := query(loc)
	actions := []chromedp.Action{chromedp.WaitVisible(sel, by), chromedp.Focus(sel, by)}
	if clear {
		actions = append(actions, chromedp.SetValue(sel, "", by))
	}
	actions = append(actions, chromedp.SendKeys(sel, text, by))
	return p.run(ctx, actions...)
}

func (p *chromePage) InsertText(ctx context.Context, text string) error {
	return p.run(ctx, input.InsertText(text))
}

func (p *chromePage) PressKey(ctx context.Context, key string) error {
	seq, ok := KeySequence(key)
	if !ok {
		return fmt.Errorf("不支持的按键: %q", key)
	}
	return p.run(ctx, chromedp.KeyEvent(seq))
}

func (p *chromePage) Select(ctx context.Context, loc step.Locator, value string) error {
	sel, by := query(loc)
	script := fmt.Sprintf(`(function(el, v){
		if (!el) return false;
		var opt = Array.from(el.options || []).find(function(o){ return o.value === v || o.text.trim() === v; });
		if (!opt) return false;
		el.value = opt.value;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})(%s, %s)`, jsElement(loc), jsString(value))
	var ok bool
	if err := p.run(ctx, chromedp.WaitVisible(sel, by), chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: 选项 %q 不存在于 %s", rpaerr.ErrElementNotFound, value, loc)
	}
	return nil
}

func (p *chromePage) ScrollTo(ctx context.Context, loc step.Locator) error {
	sel, by := query(loc)
	return p.run(ctx, chromedp.ScrollIntoView(sel, by))
}

func (p *chromePage) ScrollBy(ctx context.Context, dx, dy int) error {
	var done bool
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf("(window.scrollBy(%d, %d), true)", dx, dy), &done))
}

func (p *chromePage) WaitVisible(ctx context.Context, loc step.Locator) error {
	sel, by := query(loc)
	return p.run(ctx, chromedp.WaitVisible(sel, by))
}

func (p *chromePage) Exists(ctx context.Context, loc step.Locator) (bool, error) {
	sel, by := query(loc)
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (p *chromePage) Visible(ctx context.Context, loc step.Locator) (bool, error) {
	sel, by := query(loc)
	var (
		nodes   []*cdp.Node
		visible bool
	)
	err := p.run(ctx,
		chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(nodes) == 0 {
				return nil
			}
			// display:none 等未渲染节点没有盒模型
			if _, err := dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx); err != nil {
				return nil
			}
			visible = true
			return nil
		}),
	)
	return visible, err
}

func (p *chromePage) Text(ctx context.Context, loc step.Locator) (string, error) {
	sel, by := query(loc)
	var text string
	if err := p.run(ctx, chromedp.Text(sel, &text, by, chromedp.NodeVisible)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (p *chromePage) OuterHTML(ctx context.Context, loc step.Locator) (string, error) {
	var html string
	if loc.IsZero() {
		loc = step.CSS("html")
	}
	sel, by := query(loc)
	if err := p.run(ctx, chromedp.OuterHTML(sel, &html, by)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) Attribute(ctx context.Context, loc step.Locator, name string) (string, bool, error) {
	sel, by := query(loc)
	var (
		value string
		ok    bool
	)
	if err := p.run(ctx, chromedp.AttributeValue(sel, name, &value, &ok, by)); err != nil {
		return "", false, err
	}
	return value, ok, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// StorageState 导出全部 Cookie 以及当前源的 localStorage
func (p *chromePage) StorageState(ctx context.Context) (models.StorageState, error) {
	var (
		state   models.StorageState
		origin  string
		payload string
	)
	err := p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cookies {
				state.Cookies = append(state.Cookies, models.Cookie{
					Name:     c.Name,
					Value:    c.Value,
					Domain:   c.Domain,
					Path:     c.Path,
					Expires:  c.Expires,
					HTTPOnly: c.HTTPOnly,
					Secure:   c.Secure,
					SameSite: string(c.SameSite),
				})
			}
			return nil
		}),
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(`(function(){ try { return JSON.stringify(Object.assign({}, window.localStorage)); } catch (e) { return "{}"; } })()`, &payload),
	)
	if err != nil {
		return state, fmt.Errorf("导出会话状态失败: %w", err)
	}

	items := map[string]string{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &items); err != nil {
			return state, fmt.Errorf("解析 localStorage 失败: %w", err)
		}
	}
	if len(items) > 0 && origin != "" && origin != "null" {
		state.Origins = map[string]map[string]string{origin: items}
	}
	return state, nil
}

// RestoreStorageState 写回 Cookie，并逐个源恢复 localStorage（需要先导航到该源）
func (p *chromePage) RestoreStorageState(ctx context.Context, state models.StorageState) error {
	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			param.Expires = &exp
		}
		params = append(params, param)
	}

	var done bool
	actions := []chromedp.Action{}
	if len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}
	for origin, items := range state.Origins {
		data, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("序列化 localStorage 失败: %w", err)
		}
		actions = append(actions,
			chromedp.Navigate(origin),
			chromedp.Evaluate(fmt.Sprintf(`(function(items){ for (var k in items) { window.localStorage.setItem(k, items[k]); } return true; })(%s)`, data), &done),
		)
	}
	if len(actions) == 0 {
		return nil
	}
	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("恢复会话状态失败: %w", err)
	}
	return nil
}
