package browser

import (
	"strings"

	"github.com/chromedp/chromedp/kb"
)

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

// KeySequence 将按键名（Enter、Tab、ArrowDown 等）转换为 chromedp 键序列，单个字符原样返回
func KeySequence(key string) (string, bool) {
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq, true
	}
	if len([]rune(key)) == 1 {
		return key, true
	}
	return "", false
}
