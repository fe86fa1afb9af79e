package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
)

// ErrPageClosed 页面已关闭
var ErrPageClosed = errors.New("浏览器页面已关闭")

// Page 一个浏览器上下文上的基本操作。所有方法遵循调用方 ctx 的截止时间，
// 浏览器进程退出后返回 rpaerr.SessionLost
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, loc step.Locator) error
	ClickAt(ctx context.Context, x, y float64) error
	Hover(ctx context.Context, loc step.Locator) error
	Type(ctx context.Context, loc step.Locator, text string, clear bool) error
	// InsertText 向当前焦点元素输入文本
	InsertText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Select(ctx context.Context, loc step.Locator, value string) error
	ScrollTo(ctx context.Context, loc step.Locator) error
	ScrollBy(ctx context.Context, dx, dy int) error
	WaitVisible(ctx context.Context, loc step.Locator) error
	Exists(ctx context.Context, loc step.Locator) (bool, error)
	// Visible 元素是否存在且已渲染，不等待
	Visible(ctx context.Context, loc step.Locator) (bool, error)
	Text(ctx context.Context, loc step.Locator) (string, error)
	// OuterHTML 定位为空时返回整个文档
	OuterHTML(ctx context.Context, loc step.Locator) (string, error)
	Attribute(ctx context.Context, loc step.Locator, name string) (string, bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
	URL(ctx context.Context) (string, error)
	StorageState(ctx context.Context) (models.StorageState, error)
	RestoreStorageState(ctx context.Context, state models.StorageState) error
	Alive() bool
	Close() error
}

// Driver 创建相互隔离的浏览器页面
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
}

// XPath 将非 CSS 定位转换为 XPath 表达式，CSS 定位返回 false
func XPath(loc step.Locator) (string, bool) {
	switch loc.Strategy {
	case step.ByXPath:
		return loc.Selector, true
	case step.ByText:
		lit := xpathLiteral(strings.TrimSpace(loc.Selector))
		// 取文本匹配的最内层元素
		return "//*[normalize-space(.)=" + lit + " and not(.//*[normalize-space(.)=" + lit + "])]", true
	case step.ByRole:
		role, name, hasName := strings.Cut(loc.Selector, ":")
		expr := "//*[@role=" + xpathLiteral(role)
		if implicit := implicitRoleTags[role]; implicit != "" {
			expr = "//*[(@role=" + xpathLiteral(role) + " or " + implicit + ")"
		}
		if hasName {
			n := xpathLiteral(strings.TrimSpace(name))
			expr += " and (normalize-space(.)=" + n + " or @aria-label=" + n + " or @value=" + n + ")"
		}
		return expr + "]", true
	default:
		return "", false
	}
}

var implicitRoleTags = map[string]string{
	"button":   "self::button or (self::input and (@type='submit' or @type='button'))",
	"link":     "(self::a and @href)",
	"textbox":  "(self::input and (not(@type) or @type='text' or @type='email' or @type='password')) or self::textarea",
	"checkbox": "(self::input and @type='checkbox')",
	"combobox": "self::select",
}

// xpathLiteral 生成 XPath 字符串字面量，同时包含单双引号时使用 concat
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	out := "concat("
	for i, p := range parts {
		if i > 0 {
			out += `, "'", `
		}
		out += "'" + p + "'"
	}
	return out + ")"
}
