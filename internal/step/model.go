package step

import (
	"fmt"
	"strconv"
	"time"

	"github.com/datafusion/fleetrpa/internal/rpaerr"
)

// HardLoopCeiling 循环迭代次数的硬上限
const HardLoopCeiling = 1000

// OutputShape 模型声明的输出形态
type OutputShape struct {
	Columns  []string `json:"columns,omitempty" bson:"columns,omitempty"`
	FileType string   `json:"file_type,omitempty" bson:"file_type,omitempty"`
}

// Model 某个平台的版本化自动化步骤模型
type Model struct {
	ID         string      `json:"id"`
	ProviderID string      `json:"provider_id"`
	Version    int         `json:"version"`
	Name       string      `json:"name,omitempty"`
	Steps      Sequence    `json:"steps"`
	Variables  []string    `json:"variables,omitempty"`
	Output     OutputShape `json:"output"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewModel 创建并校验步骤模型，树形约束不满足时拒绝构造
func NewModel(id, providerID string, version int, steps Sequence, variables []string, output OutputShape) (*Model, error) {
	m := &Model{
		ID:         id,
		ProviderID: providerID,
		Version:    version,
		Steps:      steps,
		Variables:  variables,
		Output:     output,
		CreatedAt:  time.Now(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate 校验模型：必填字段、变量引用、循环上限以及无环
func (m *Model) Validate() error {
	if m.ID == "" {
		return rpaerr.Configuration("步骤模型缺少 id")
	}
	if m.ProviderID == "" {
		return rpaerr.Configuration("步骤模型 %s 缺少 provider_id", m.ID)
	}
	if m.Version < 1 {
		return rpaerr.Configuration("步骤模型 %s 版本号必须 >= 1", m.ID)
	}
	if len(m.Steps) == 0 {
		return rpaerr.Configuration("步骤模型 %s 没有步骤", m.ID)
	}

	v := &validator{
		declared: make(map[string]bool, len(m.Variables)),
		seen:     make(map[Step]bool),
	}
	for _, name := range m.Variables {
		v.declared[name] = true
	}
	if err := v.sequence(m.Steps, ""); err != nil {
		return rpaerr.WrapConfiguration(err, "步骤模型 %s v%d 无效", m.ID, m.Version)
	}
	return nil
}

// HasExtraction 模型是否包含数据提取步骤
func (m *Model) HasExtraction() bool {
	found := false
	_ = Walk(m.Steps, func(_ string, s Step) error {
		switch s.Kind() {
		case KindReadTable, KindReadText, KindDownload:
			found = true
		}
		return nil
	})
	return found
}

type validator struct {
	declared map[string]bool
	seen     map[Step]bool
}

func (v *validator) sequence(seq Sequence, prefix string) error {
	for i, s := range seq {
		path := prefix + strconv.Itoa(i)
		if s == nil {
			return fmt.Errorf("步骤 %s 为空", path)
		}
		// 同一步骤出现两次即不是树：可能是环，也可能是共享子树
		if v.seen[s] {
			return fmt.Errorf("步骤 %s 重复引用了已存在的步骤，步骤必须构成树", path)
		}
		v.seen[s] = true
		if err := v.step(s, path); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) step(s Step, path string) error {
	if s.base().Timeout < 0 {
		return fmt.Errorf("步骤 %s 超时不能为负数", path)
	}
	fail := func(err error) error {
		return fmt.Errorf("步骤 %s (%s): %w", path, s.Kind(), err)
	}

	switch st := s.(type) {
	case *Navigate:
		if st.URL == "" {
			return fail(fmt.Errorf("缺少 url"))
		}
		return wrapIf(v.refs(st.URL), fail)
	case *Click:
		return wrapIf(v.locator(st.Target), fail)
	case *Type:
		if err := v.locator(st.Target); err != nil {
			return fail(err)
		}
		return wrapIf(v.refs(st.Value), fail)
	case *Select:
		if err := v.locator(st.Target); err != nil {
			return fail(err)
		}
		return wrapIf(v.refs(st.Value), fail)
	case *Wait:
		if st.Duration <= 0 {
			return fail(fmt.Errorf("等待时长必须大于 0"))
		}
	case *WaitFor:
		return wrapIf(v.locator(st.Target), fail)
	case *Download:
		if st.URL == "" && st.Target.IsZero() {
			return fail(fmt.Errorf("需要 url 或目标元素"))
		}
		if st.URL != "" {
			return wrapIf(v.refs(st.URL), fail)
		}
		return wrapIf(v.locator(st.Target), fail)
	case *Screenshot:
	case *Scroll:
		if st.Target != nil {
			return wrapIf(v.locator(*st.Target), fail)
		}
		if st.DX == 0 && st.DY == 0 {
			return fail(fmt.Errorf("需要目标元素或滚动偏移"))
		}
	case *Hover:
		return wrapIf(v.locator(st.Target), fail)
	case *PressKey:
		if st.Key == "" {
			return fail(fmt.Errorf("缺少按键"))
		}
	case *ReadText:
		return wrapIf(v.locator(st.Target), fail)
	case *ReadTable:
		return wrapIf(v.locator(st.Target), fail)
	case *FillCredential:
		if st.Field == "" {
			return fail(fmt.Errorf("缺少凭据字段名"))
		}
		return wrapIf(v.locator(st.Target), fail)
	case *TwoFactorCode:
		if err := v.locator(st.Target); err != nil {
			return fail(err)
		}
		if st.Submit != nil {
			return wrapIf(v.locator(*st.Submit), fail)
		}
	case *Branch:
		if err := v.condition(st.If); err != nil {
			return fail(err)
		}
		if len(st.Then) == 0 && len(st.Else) == 0 {
			return fail(fmt.Errorf("分支两侧均为空"))
		}
		if err := v.sequence(st.Then, path+".then."); err != nil {
			return err
		}
		return v.sequence(st.Else, path+".else.")
	case *Loop:
		if st.MaxIterations < 1 || st.MaxIterations > HardLoopCeiling {
			return fail(fmt.Errorf("循环上限必须在 1-%d 之间，当前 %d", HardLoopCeiling, st.MaxIterations))
		}
		if len(st.Body) == 0 {
			return fail(fmt.Errorf("循环体为空"))
		}
		if st.Until != nil {
			if err := v.condition(*st.Until); err != nil {
				return fail(err)
			}
		}
		return v.sequence(st.Body, path+".body.")
	default:
		return fail(fmt.Errorf("不支持的步骤类型"))
	}
	return nil
}

func wrapIf(err error, fail func(error) error) error {
	if err == nil {
		return nil
	}
	return fail(err)
}

func (v *validator) locator(l Locator) error {
	if err := l.validate(); err != nil {
		return err
	}
	return v.refs(l.Selector)
}

func (v *validator) condition(c Condition) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Target != nil {
		if err := v.refs(c.Target.Selector); err != nil {
			return err
		}
	}
	return v.refs(c.Value)
}

func (v *validator) refs(text string) error {
	for _, name := range References(text) {
		if !v.declared[name] {
			return fmt.Errorf("引用了未声明的变量 %q", name)
		}
	}
	return nil
}

// Walk 深度优先按声明顺序遍历步骤，path 形如 "3" 或 "4.then.1"
func Walk(seq Sequence, fn func(path string, s Step) error) error {
	return walk(seq, "", fn)
}

func walk(seq Sequence, prefix string, fn func(string, Step) error) error {
	for i, s := range seq {
		path := prefix + strconv.Itoa(i)
		if err := fn(path, s); err != nil {
			return err
		}
		switch st := s.(type) {
		case *Branch:
			if err := walk(st.Then, path+".then.", fn); err != nil {
				return err
			}
			if err := walk(st.Else, path+".else.", fn); err != nil {
				return err
			}
		case *Loop:
			if err := walk(st.Body, path+".body.", fn); err != nil {
				return err
			}
		}
	}
	return nil
}
