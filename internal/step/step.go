package step

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind 步骤类型
type Kind string

const (
	KindNavigate       Kind = "navigate"
	KindClick          Kind = "click"
	KindType           Kind = "type"
	KindSelect         Kind = "select"
	KindWait           Kind = "wait"
	KindWaitFor        Kind = "wait_for"
	KindDownload       Kind = "download"
	KindScreenshot     Kind = "screenshot"
	KindScroll         Kind = "scroll"
	KindHover          Kind = "hover"
	KindPressKey       Kind = "press_key"
	KindReadText       Kind = "read_text"
	KindReadTable      Kind = "read_table"
	KindBranch         Kind = "branch"
	KindLoop           Kind = "loop"
	KindFillCredential Kind = "fill_credential"
	KindTwoFactorCode  Kind = "two_factor_code"
)

// Strategy 元素定位策略
type Strategy string

const (
	ByCSS   Strategy = "css"
	ByXPath Strategy = "xpath"
	ByText  Strategy = "text"
	ByRole  Strategy = "role"
)

// Locator 目标元素定位
type Locator struct {
	Strategy Strategy `json:"strategy,omitempty"`
	Selector string   `json:"selector"`
}

// CSS 快捷构造 CSS 定位
func CSS(selector string) Locator {
	return Locator{Strategy: ByCSS, Selector: selector}
}

// IsZero 是否未设置
func (l Locator) IsZero() bool {
	return l.Selector == ""
}

func (l Locator) String() string {
	s := l.Strategy
	if s == "" {
		s = ByCSS
	}
	return string(s) + "=" + l.Selector
}

func (l Locator) validate() error {
	if l.Selector == "" {
		return fmt.Errorf("缺少定位选择器")
	}
	switch l.Strategy {
	case "", ByCSS, ByXPath, ByText, ByRole:
		return nil
	default:
		return fmt.Errorf("未知的定位策略: %s", l.Strategy)
	}
}

// Duration 支持 "10s" 字符串或毫秒数的时长
type Duration time.Duration

// MarshalJSON 输出为时长字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 接受 "10s" 或毫秒数
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("无效的时长: %s", string(data))
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转为 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Common 所有步骤共享的执行策略
type Common struct {
	Label            string   `json:"label,omitempty"`
	Optional         bool     `json:"optional,omitempty"`
	ScreenshotBefore bool     `json:"screenshot_before,omitempty"`
	ScreenshotAfter  bool     `json:"screenshot_after,omitempty"`
	Timeout          Duration `json:"timeout,omitempty"`
}

func (c *Common) base() *Common { return c }

// Step 步骤（封闭的和类型，只能由本包定义的结构体实现）
type Step interface {
	Kind() Kind
	base() *Common
}

// Policy 返回步骤的通用执行策略
func Policy(s Step) Common {
	return *s.base()
}

// Navigate 打开 URL
type Navigate struct {
	Common
	URL string `json:"url"`
}

// Click 点击元素
type Click struct {
	Common
	Target Locator `json:"target"`
}

// Type 在元素中输入文本
type Type struct {
	Common
	Target Locator `json:"target"`
	Value  string  `json:"value"`
	Clear  bool    `json:"clear,omitempty"`
}

// Select 下拉框选择
type Select struct {
	Common
	Target Locator `json:"target"`
	Value  string  `json:"value"`
}

// Wait 固定等待
type Wait struct {
	Common
	Duration Duration `json:"duration"`
}

// WaitFor 等待元素可见
type WaitFor struct {
	Common
	Target Locator `json:"target"`
}

// Download 下载文件，URL 为空时读取目标元素的 href
type Download struct {
	Common
	Target   Locator `json:"target,omitempty"`
	URL      string  `json:"url,omitempty"`
	FileName string  `json:"file_name,omitempty"`
	FileType string  `json:"file_type,omitempty"` // csv, json, html
}

// Screenshot 截图
type Screenshot struct {
	Common
	Name string `json:"name,omitempty"`
}

// Scroll 滚动到元素或按偏移滚动
type Scroll struct {
	Common
	Target *Locator `json:"target,omitempty"`
	DX     int      `json:"dx,omitempty"`
	DY     int      `json:"dy,omitempty"`
}

// Hover 鼠标悬停
type Hover struct {
	Common
	Target Locator `json:"target"`
}

// PressKey 按键
type PressKey struct {
	Common
	Key string `json:"key"`
}

// ReadText 读取元素文本
type ReadText struct {
	Common
	Target Locator `json:"target"`
	Name   string  `json:"name,omitempty"`
}

// ReadTable 读取 HTML 表格
type ReadTable struct {
	Common
	Target Locator `json:"target"`
	Name   string  `json:"name,omitempty"`
}

// Branch 条件分支，只执行两个序列之一
type Branch struct {
	Common
	If   Condition `json:"if"`
	Then Sequence  `json:"then"`
	Else Sequence  `json:"else,omitempty"`
}

// Loop 有界循环
type Loop struct {
	Common
	Body          Sequence   `json:"body"`
	MaxIterations int        `json:"max_iterations"`
	Until         *Condition `json:"until,omitempty"`
}

// FillCredential 从凭据库填充字段，值永不进入日志
type FillCredential struct {
	Common
	Field  string  `json:"field"`
	Target Locator `json:"target"`
}

// TwoFactorCode 等待人工提供的二次验证码并填入
type TwoFactorCode struct {
	Common
	Target Locator  `json:"target"`
	Submit *Locator `json:"submit,omitempty"`
}

func (*Navigate) Kind() Kind       { return KindNavigate }
func (*Click) Kind() Kind          { return KindClick }
func (*Type) Kind() Kind           { return KindType }
func (*Select) Kind() Kind         { return KindSelect }
func (*Wait) Kind() Kind           { return KindWait }
func (*WaitFor) Kind() Kind        { return KindWaitFor }
func (*Download) Kind() Kind       { return KindDownload }
func (*Screenshot) Kind() Kind     { return KindScreenshot }
func (*Scroll) Kind() Kind         { return KindScroll }
func (*Hover) Kind() Kind          { return KindHover }
func (*PressKey) Kind() Kind       { return KindPressKey }
func (*ReadText) Kind() Kind       { return KindReadText }
func (*ReadTable) Kind() Kind      { return KindReadTable }
func (*Branch) Kind() Kind         { return KindBranch }
func (*Loop) Kind() Kind           { return KindLoop }
func (*FillCredential) Kind() Kind { return KindFillCredential }
func (*TwoFactorCode) Kind() Kind  { return KindTwoFactorCode }

// ConditionKind 分支/循环条件类型
type ConditionKind string

const (
	CondElementExists  ConditionKind = "element_exists"
	CondElementMissing ConditionKind = "element_missing"
	CondURLContains    ConditionKind = "url_contains"
	CondTextContains   ConditionKind = "text_contains"
)

// Condition 基于页面状态的谓词
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Target *Locator      `json:"target,omitempty"`
	Value  string        `json:"value,omitempty"`
}

func (c Condition) validate() error {
	switch c.Kind {
	case CondElementExists, CondElementMissing:
		if c.Target == nil {
			return fmt.Errorf("条件 %s 需要目标元素", c.Kind)
		}
		return c.Target.validate()
	case CondURLContains:
		if c.Value == "" {
			return fmt.Errorf("条件 url_contains 需要 value")
		}
		return nil
	case CondTextContains:
		if c.Target == nil || c.Value == "" {
			return fmt.Errorf("条件 text_contains 需要目标元素和 value")
		}
		return c.Target.validate()
	default:
		return fmt.Errorf("未知的条件类型: %q", c.Kind)
	}
}

// newStep 根据类型创建空步骤，用于反序列化
func newStep(kind Kind) (Step, error) {
	switch kind {
	case KindNavigate:
		return &Navigate{}, nil
	case KindClick:
		return &Click{}, nil
	case KindType:
		return &Type{}, nil
	case KindSelect:
		return &Select{}, nil
	case KindWait:
		return &Wait{}, nil
	case KindWaitFor:
		return &WaitFor{}, nil
	case KindDownload:
		return &Download{}, nil
	case KindScreenshot:
		return &Screenshot{}, nil
	case KindScroll:
		return &Scroll{}, nil
	case KindHover:
		return &Hover{}, nil
	case KindPressKey:
		return &PressKey{}, nil
	case KindReadText:
		return &ReadText{}, nil
	case KindReadTable:
		return &ReadTable{}, nil
	case KindBranch:
		return &Branch{}, nil
	case KindLoop:
		return &Loop{}, nil
	case KindFillCredential:
		return &FillCredential{}, nil
	case KindTwoFactorCode:
		return &TwoFactorCode{}, nil
	default:
		return nil, fmt.Errorf("未知的步骤类型: %q", kind)
	}
}
