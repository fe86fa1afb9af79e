// Package browsertest 提供可编排的内存浏览器页面，供执行器与会话测试使用
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/datafusion/fleetrpa/internal/browser"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
)

// Element 伪造页面上的元素
type Element struct {
	Visible bool
	Text    string
	HTML    string
	Attrs   map[string]string
	Value   string
}

// Page 伪造的浏览器页面，元素按选择器字符串索引
type Page struct {
	mu sync.Mutex

	url      string
	body     string
	elements map[string]*Element
	state    models.StorageState
	dead     bool
	closed   bool

	// OnClick 点击选择器时触发的页面变化
	OnClick map[string]func(p *Page)
	// OnNavigate 导航到某 URL 时触发的页面变化
	OnNavigate map[string]func(p *Page)
	// Hang 这些选择器上的操作会一直阻塞到 ctx 结束
	Hang map[string]bool
	// CloseErr Close 返回的错误
	CloseErr error

	Actions  []string
	Typed    map[string]string
	Inserted []string
	Keys     []string
	Clicks   [][2]float64
}

// NewPage 创建空白页面
func NewPage() *Page {
	return &Page{
		url:        "about:blank",
		elements:   map[string]*Element{},
		OnClick:    map[string]func(p *Page){},
		OnNavigate: map[string]func(p *Page){},
		Hang:       map[string]bool{},
		Typed:      map[string]string{},
	}
}

// Set 设置（或替换）元素
func (p *Page) Set(selector string, el *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.Attrs == nil {
		el.Attrs = map[string]string{}
	}
	p.elements[selector] = el
}

// Show 设置一个可见元素
func (p *Page) Show(selector, text string) {
	p.Set(selector, &Element{Visible: true, Text: text})
}

// Remove 删除元素
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
}

// SetURL 直接修改当前 URL（不触发 OnNavigate）
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetBody 设置整页 HTML
func (p *Page) SetBody(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = html
}

// SetState 设置当前存储状态
func (p *Page) SetState(state models.StorageState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// Kill 模拟浏览器进程崩溃
func (p *Page) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
}

// History 返回动作记录的副本
func (p *Page) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Actions...)
}

// TypedText 返回某选择器上输入的文本
func (p *Page) TypedText(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Typed[selector]
}

// begin 校验页面状态并记录动作，返回时仍持有锁
func (p *Page) begin(ctx context.Context, action string) error {
	if err := ctx.Err(); err != nil {
		return timeoutOrCancel(ctx)
	}
	p.mu.Lock()
	if p.dead || p.closed {
		p.mu.Unlock()
		return rpaerr.SessionLost(browser.ErrPageClosed)
	}
	p.Actions = append(p.Actions, action)
	return nil
}

func timeoutOrCancel(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", rpaerr.ErrStepTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %v", rpaerr.ErrCancelled, ctx.Err())
}

// hang 在锁外阻塞到 ctx 结束
func (p *Page) hang(ctx context.Context) error {
	p.mu.Unlock()
	<-ctx.Done()
	return timeoutOrCancel(ctx)
}

// visible 返回可见元素，不存在时以超时结束（与真实浏览器等待行为一致）
func (p *Page) visible(ctx context.Context, loc step.Locator) (*Element, error) {
	if p.Hang[loc.Selector] {
		return nil, p.hang(ctx)
	}
	el, ok := p.elements[loc.Selector]
	if !ok || !el.Visible {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", rpaerr.ErrStepTimeout, loc)
	}
	return el, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.begin(ctx, "navigate "+url); err != nil {
		return err
	}
	p.url = url
	hook := p.OnNavigate[url]
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, loc step.Locator) error {
	if err := p.begin(ctx, "click "+loc.Selector); err != nil {
		return err
	}
	if _, err := p.visible(ctx, loc); err != nil {
		return err
	}
	hook := p.OnClick[loc.Selector]
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	if err := p.begin(ctx, fmt.Sprintf("click_at %.0f,%.0f", x, y)); err != nil {
		return err
	}
	p.Clicks = append(p.Clicks, [2]float64{x, y})
	p.mu.Unlock()
	return nil
}

func (p *Page) Hover(ctx context.Context, loc step.Locator) error {
	if err := p.begin(ctx, "hover "+loc.Selector); err != nil {
		return err
	}
	if _, err := p.visible(ctx, loc); err != nil {
		return err
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) Type(ctx context.Context, loc step.Locator, text string, clear bool) error {
	// 动作记录不包含输入内容
	if err := p.begin(ctx, "type "+loc.Selector); err != nil {
		return err
	}
	el, err := p.visible(ctx, loc)
	if err != nil {
		return err
	}
	if clear {
		el.Value = ""
	}
	el.Value += text
	p.Typed[loc.Selector] = el.Value
	p.mu.Unlock()
	return nil
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	if err := p.begin(ctx, "insert_text"); err != nil {
		return err
	}
	p.Inserted = append(p.Inserted, text)
	p.mu.Unlock()
	return nil
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	if err := p.begin(ctx, "key "+key); err != nil {
		return err
	}
	p.Keys = append(p.Keys, key)
	p.mu.Unlock()
	return nil
}

func (p *Page) Select(ctx context.Context, loc step.Locator, value string) error {
	if err := p.begin(ctx, "select "+loc.Selector); err != nil {
		return err
	}
	el, err := p.visible(ctx, loc)
	if err != nil {
		return err
	}
	el.Value = value
	p.mu.Unlock()
	return nil
}

func (p *Page) ScrollTo(ctx context.Context, loc step.Locator) error {
	if err := p.begin(ctx, "scroll_to "+loc.Selector); err != nil {
		return err
	}
	if _, err := p.visible(ctx, loc); err != nil {
		return err
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) ScrollBy(ctx context.Context, dx, dy int) error {
	if err := p.begin(ctx, fmt.Sprintf("scroll_by %d,%d", dx, dy)); err != nil {
		return err
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, loc step.Locator) error {
	if err := p.begin(ctx, "wait_for "+loc.Selector); err != nil {
		return err
	}
	if _, err := p.visible(ctx, loc); err != nil {
		return err
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) Exists(ctx context.Context, loc step.Locator) (bool, error) {
	if err := p.begin(ctx, "exists "+loc.Selector); err != nil {
		return false, err
	}
	_, ok := p.elements[loc.Selector]
	p.mu.Unlock()
	return ok, nil
}

func (p *Page) Visible(ctx context.Context, loc step.Locator) (bool, error) {
	if err := p.begin(ctx, "visible "+loc.Selector); err != nil {
		return false, err
	}
	el, ok := p.elements[loc.Selector]
	p.mu.Unlock()
	return ok && el.Visible, nil
}

func (p *Page) Text(ctx context.Context, loc step.Locator) (string, error) {
	if err := p.begin(ctx, "text "+loc.Selector); err != nil {
		return "", err
	}
	el, err := p.visible(ctx, loc)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(el.Text)
	p.mu.Unlock()
	return text, nil
}

func (p *Page) OuterHTML(ctx context.Context, loc step.Locator) (string, error) {
	if err := p.begin(ctx, "html "+loc.Selector); err != nil {
		return "", err
	}
	if loc.IsZero() {
		body := p.body
		p.mu.Unlock()
		return body, nil
	}
	el, ok := p.elements[loc.Selector]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", rpaerr.ErrStepTimeout, loc)
	}
	html := el.HTML
	p.mu.Unlock()
	return html, nil
}

func (p *Page) Attribute(ctx context.Context, loc step.Locator, name string) (string, bool, error) {
	if err := p.begin(ctx, "attr "+loc.Selector); err != nil {
		return "", false, err
	}
	el, ok := p.elements[loc.Selector]
	if !ok {
		p.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", rpaerr.ErrStepTimeout, loc)
	}
	v, found := el.Attrs[name]
	p.mu.Unlock()
	return v, found, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.begin(ctx, "screenshot"); err != nil {
		return nil, err
	}
	png := []byte("\x89PNG fake " + p.url)
	p.mu.Unlock()
	return png, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.begin(ctx, "url"); err != nil {
		return "", err
	}
	url := p.url
	p.mu.Unlock()
	return url, nil
}

func (p *Page) StorageState(ctx context.Context) (models.StorageState, error) {
	if err := p.begin(ctx, "storage_state"); err != nil {
		return models.StorageState{}, err
	}
	state := p.state
	p.mu.Unlock()
	return state, nil
}

func (p *Page) RestoreStorageState(ctx context.Context, state models.StorageState) error {
	if err := p.begin(ctx, "restore_state"); err != nil {
		return err
	}
	p.state = state
	p.mu.Unlock()
	return nil
}

func (p *Page) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead && !p.closed
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.CloseErr
}

// Closed 是否已被关闭
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Driver 伪造驱动，Setup 用于为每个新页面布置场景
type Driver struct {
	mu     sync.Mutex
	Setup  func(p *Page)
	pages  []*Page
	Opened int
}

// NewPage 实现 browser.Driver
func (d *Driver) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := NewPage()
	if d.Setup != nil {
		d.Setup(p)
	}
	d.mu.Lock()
	d.pages = append(d.pages, p)
	d.Opened++
	d.mu.Unlock()
	return p, nil
}

// Live 当前存活页面数
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pages {
		if p.Alive() {
			n++
		}
	}
	return n
}

// Pages 已创建的页面
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

var (
	_ browser.Page   = (*Page)(nil)
	_ browser.Driver = (*Driver)(nil)
)
