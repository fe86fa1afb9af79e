package normalizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/datafusion/fleetrpa/internal/models"
)

var (
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Cleaner 按平台配置的规则清洗原始行
type Cleaner struct {
	rules   []models.CleaningRule
	regexes map[int]*regexp.Regexp
}

// NewCleaner 创建清洗器，规则在创建时校验
func NewCleaner(rules []models.CleaningRule) (*Cleaner, error) {
	c := &Cleaner{rules: rules, regexes: map[int]*regexp.Regexp{}}
	for i, rule := range rules {
		switch rule.Type {
		case "trim", "remove_html", "normalize_whitespace", "remove_special_chars", "lowercase", "uppercase":
		case "regex":
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("规则 %s 编译正则表达式失败: %w", rule.Name, err)
			}
			c.regexes[i] = re
		default:
			return nil, fmt.Errorf("未知的清洗规则类型: %s", rule.Type)
		}
	}
	return c, nil
}

// Clean 对一行数据原地应用全部规则。Field 为 "*" 时作用于所有列
func (c *Cleaner) Clean(row map[string]string) {
	for i, rule := range c.rules {
		if rule.Field == "*" {
			for k, v := range row {
				row[k] = c.apply(i, rule, v)
			}
			continue
		}
		key, ok := lookup(row, []string{rule.Field})
		if !ok {
			continue
		}
		row[key] = c.apply(i, rule, row[key])
	}
}

func (c *Cleaner) apply(i int, rule models.CleaningRule, value string) string {
	switch rule.Type {
	case "trim":
		return strings.TrimSpace(value)
	case "remove_html":
		return htmlTag.ReplaceAllString(value, "")
	case "normalize_whitespace":
		return strings.TrimSpace(whitespace.ReplaceAllString(value, " "))
	case "remove_special_chars":
		var b strings.Builder
		for _, r := range value {
			if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
				b.WriteRune(r)
			}
		}
		return b.String()
	case "lowercase":
		return strings.ToLower(value)
	case "uppercase":
		return strings.ToUpper(value)
	case "regex":
		return c.regexes[i].ReplaceAllString(value, rule.Replacement)
	}
	return value
}
