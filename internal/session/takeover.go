package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/models"
)

// StartInteractive 为人工接管打开（或复用）会话并导航到登录页
func (m *Manager) StartInteractive(ctx context.Context, key Key, auth models.AuthCheck, loginURL string) (*Session, error) {
	s, _, err := m.ResumePersisted(ctx, key, auth)
	if err != nil {
		return nil, err
	}
	s.interactive.Store(true)
	if loginURL != "" {
		if err := s.NavigateTo(ctx, loginURL); err != nil {
			return nil, fmt.Errorf("打开登录页失败: %w", err)
		}
	}
	m.log.Info("人工接管已开始", zap.String("session", key.String()))
	return s, nil
}

func (m *Manager) live(key Key) (*Session, error) {
	s := m.lookup(key)
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// RelayClick 转发操作员的坐标点击
func (m *Manager) RelayClick(ctx context.Context, key Key, x, y float64) error {
	s, err := m.live(key)
	if err != nil {
		return err
	}
	return s.ClickAt(ctx, x, y)
}

// RelayType 转发操作员的文本输入
func (m *Manager) RelayType(ctx context.Context, key Key, text string) error {
	s, err := m.live(key)
	if err != nil {
		return err
	}
	return s.TypeText(ctx, text)
}

// RelayKey 转发操作员的按键
func (m *Manager) RelayKey(ctx context.Context, key Key, name string) error {
	s, err := m.live(key)
	if err != nil {
		return err
	}
	return s.PressKey(ctx, name)
}

// PollScreenshot 返回当前画面
func (m *Manager) PollScreenshot(ctx context.Context, key Key) ([]byte, error) {
	s, err := m.live(key)
	if err != nil {
		return nil, err
	}
	return s.Screenshot(ctx)
}

// SubmitCode 把操作员提供的验证码交给等待中的执行
func (m *Manager) SubmitCode(key Key, code string) error {
	s, err := m.live(key)
	if err != nil {
		return err
	}
	return s.SubmitCode(code)
}

// ConfirmAuthenticated 操作员确认登录完成。检查通过后持久化状态，否则返回 ErrNotAuthenticated
func (m *Manager) ConfirmAuthenticated(ctx context.Context, key Key) error {
	s, err := m.live(key)
	if err != nil {
		return err
	}
	if err := s.PersistState(ctx); err != nil {
		return err
	}
	s.interactive.Store(false)
	m.log.Info("人工接管已完成", zap.String("session", key.String()))
	return nil
}
