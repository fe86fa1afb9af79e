package step

import (
	"regexp"
	"sort"

	"github.com/datafusion/fleetrpa/internal/rpaerr"
)

var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Bindings 变量名到字面值的映射（凭据永不通过这里传递）
type Bindings map[string]string

// Resolve 替换文本中的 {{变量}}，未绑定的变量返回配置错误
func Resolve(text string, b Bindings) (string, error) {
	var missing string
	out := variablePattern.ReplaceAllStringFunc(text, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		v, ok := b[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return token
		}
		return v
	})
	if missing != "" {
		return "", rpaerr.Configuration("变量 %q 未绑定", missing)
	}
	return out, nil
}

// ResolveLocator 替换定位选择器中的变量
func ResolveLocator(l Locator, b Bindings) (Locator, error) {
	sel, err := Resolve(l.Selector, b)
	if err != nil {
		return l, err
	}
	l.Selector = sel
	return l, nil
}

// References 返回文本中引用的变量名（去重、有序）
func References(text string) []string {
	seen := map[string]bool{}
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
