package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// 默认日期格式，按顺序尝试
var defaultDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
	time.RFC3339,
}

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"US$", "USD"},
	{"$", "USD"},
}

// parseAmount 将金额文本解析为分。style 为 "comma"、"dot" 或空（自动识别）。
// 同时返回文本中识别出的币种
func parseAmount(raw, style string) (int64, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("金额为空")
	}

	currency := ""
	for _, cs := range currencySymbols {
		if strings.Contains(s, cs.symbol) {
			currency = cs.code
			s = strings.ReplaceAll(s, cs.symbol, "")
			break
		}
	}
	for _, code := range []string{"EUR", "BRL", "USD", "GBP"} {
		if strings.Contains(strings.ToUpper(s), code) {
			currency = code
			s = strings.ReplaceAll(strings.ToUpper(s), code, "")
		}
	}

	negative := false
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	} else if strings.HasSuffix(s, "-") {
		negative = !negative
		s = s[:len(s)-1]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" {
		return 0, currency, fmt.Errorf("金额 %q 无法解析", raw)
	}
	for _, r := range s {
		if r != '.' && r != ',' && (r < '0' || r > '9') {
			return 0, currency, fmt.Errorf("金额 %q 无法解析", raw)
		}
	}

	decimal := decimalSeparator(s, style)
	var intPart, fracPart string
	if decimal != 0 {
		idx := strings.LastIndexByte(s, decimal)
		intPart, fracPart = s[:idx], s[idx+1:]
	} else {
		intPart = s
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if strings.ContainsAny(fracPart, ".,") {
		return 0, currency, fmt.Errorf("金额 %q 无法解析", raw)
	}
	if intPart == "" {
		intPart = "0"
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, currency, fmt.Errorf("金额 %q 无法解析: %w", raw, err)
	}

	// 小数部分四舍五入到分
	var cents int64
	switch {
	case len(fracPart) == 0:
	case len(fracPart) == 1:
		cents = int64(fracPart[0]-'0') * 10
	default:
		cents = int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
		if len(fracPart) > 2 && fracPart[2] >= '5' {
			cents++
		}
	}

	total := units*100 + cents
	if negative {
		total = -total
	}
	return total, currency, nil
}

// decimalSeparator 返回小数分隔符，没有小数部分时返回 0
func decimalSeparator(s, style string) byte {
	switch style {
	case "comma":
		if strings.Contains(s, ",") {
			return ','
		}
		return 0
	case "dot":
		if strings.Contains(s, ".") {
			return '.'
		}
		return 0
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			return '.'
		}
		return ','
	case lastDot >= 0:
		return ambiguous(s, '.')
	case lastComma >= 0:
		return ambiguous(s, ',')
	}
	return 0
}

// ambiguous 只出现一种分隔符：出现多次或后面恰好三位数字时视为千位分隔符
func ambiguous(s string, sep byte) byte {
	if strings.Count(s, string(sep)) > 1 {
		return 0
	}
	if len(s)-strings.IndexByte(s, sep)-1 == 3 {
		return 0
	}
	return sep
}

// parseDate 按给定格式解析日期，没有格式时使用默认格式
func parseDate(raw string, layouts []string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("日期为空")
	}
	if len(layouts) == 0 {
		layouts = defaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("日期 %q 无法解析", raw)
}
