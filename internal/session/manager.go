package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/browser"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
)

// ErrNoSession 指定键没有存活会话
var ErrNoSession = errors.New("会话不存在")

// Key 会话键，每个 (合作方, 平台) 至多一个存活会话
type Key struct {
	PartnerID  string
	ProviderID string
}

func (k Key) String() string {
	return k.PartnerID + "/" + k.ProviderID
}

// Policy 已有存活会话时 Open 的行为
type Policy int

const (
	// Reuse 复用已有会话
	Reuse Policy = iota
	// Replace 关闭已有会话后重新打开
	Replace
)

// Manager 会话管理器，注册表按键加锁
type Manager struct {
	driver  browser.Driver
	states  storage.SessionStateRepo
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	registry map[Key]*Session
	locks    map[Key]*sync.Mutex
}

// NewManager 创建会话管理器
func NewManager(driver browser.Driver, states storage.SessionStateRepo, log *logger.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		driver:   driver,
		states:   states,
		log:      log.WithComponent("session"),
		metrics:  m,
		registry: map[Key]*Session{},
		locks:    map[Key]*sync.Mutex{},
	}
}

// lockKey 获取键锁，返回解锁函数
func (m *Manager) lockKey(key Key) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) lookup(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.registry[key]
	if s != nil && !s.usable() {
		delete(m.registry, key)
		m.metrics.SetLiveSessions(len(m.registry))
		return nil
	}
	return s
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[s.key] = s
	m.metrics.SetLiveSessions(len(m.registry))
}

// forget 仅当注册表中仍是该会话时移除
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry[s.key] == s {
		delete(m.registry, s.key)
		m.metrics.SetLiveSessions(len(m.registry))
	}
}

// Get 返回存活会话
func (m *Manager) Get(key Key) (*Session, bool) {
	s := m.lookup(key)
	return s, s != nil
}

// Open 打开会话。已有存活会话时按 policy 复用或替换，同一键不会出现两个存活会话
func (m *Manager) Open(ctx context.Context, key Key, auth models.AuthCheck, policy Policy) (*Session, error) {
	unlock := m.lockKey(key)
	defer unlock()
	return m.openLocked(ctx, key, auth, policy)
}

func (m *Manager) openLocked(ctx context.Context, key Key, auth models.AuthCheck, policy Policy) (*Session, error) {
	if existing := m.lookup(key); existing != nil {
		if policy == Reuse {
			existing.setAuth(auth)
			return existing, nil
		}
		m.log.Info("替换已有会话", zap.String("session", key.String()))
		if err := existing.shutdown(); err != nil {
			m.log.Warn("关闭旧会话失败", zap.String("session", key.String()), zap.Error(err))
		}
		m.forget(existing)
	}

	page, err := m.driver.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("打开会话 %s 失败: %w", key, err)
	}
	s := newSession(m, key, auth, page)
	m.register(s)
	m.log.Info("会话已打开", zap.String("session", key.String()))
	return s, nil
}

// Resume 返回存活会话；没有时打开新会话并恢复存储状态
func (m *Manager) Resume(ctx context.Context, key Key, auth models.AuthCheck, state models.StorageState) (*Session, error) {
	unlock := m.lockKey(key)
	defer unlock()

	if existing := m.lookup(key); existing != nil {
		existing.setAuth(auth)
		return existing, nil
	}
	s, err := m.openLocked(ctx, key, auth, Reuse)
	if err != nil {
		return nil, err
	}
	if state.IsEmpty() {
		return s, nil
	}
	if err := s.page.RestoreStorageState(ctx, state); err != nil {
		if cerr := s.shutdown(); cerr != nil {
			m.log.Warn("关闭会话失败", zap.String("session", key.String()), zap.Error(cerr))
		}
		m.forget(s)
		return nil, fmt.Errorf("恢复会话 %s 失败: %w", key, err)
	}
	m.log.Info("会话状态已恢复", zap.String("session", key.String()), zap.Int("cookies", len(state.Cookies)))
	return s, nil
}

// ResumePersisted 使用已持久化的状态恢复会话，restored 表示是否使用了持久化状态
func (m *Manager) ResumePersisted(ctx context.Context, key Key, auth models.AuthCheck) (s *Session, restored bool, err error) {
	if existing := m.lookup(key); existing != nil {
		existing.setAuth(auth)
		return existing, false, nil
	}

	var state models.StorageState
	if m.states != nil {
		rec, err := m.states.GetSessionState(ctx, key.PartnerID, key.ProviderID)
		switch {
		case err == nil:
			state = rec.State
			restored = !state.IsEmpty()
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, false, fmt.Errorf("读取会话状态失败: %w", err)
		}
	}
	s, err = m.Resume(ctx, key, auth, state)
	return s, restored, err
}

// Close 关闭会话，不持久化状态
func (m *Manager) Close(key Key) error {
	unlock := m.lockKey(key)
	defer unlock()

	s := m.lookup(key)
	if s == nil {
		return nil
	}
	m.forget(s)
	return s.shutdown()
}

// CloseAll 关闭全部会话
func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.registry))
	for k := range m.registry {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := m.Close(k); err != nil {
			m.log.Warn("关闭会话失败", zap.String("session", k.String()), zap.Error(err))
		}
	}
}

// Live 存活会话数
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.registry {
		if s.usable() {
			n++
		}
	}
	return n
}

// Info 会话概况
type Info struct {
	PartnerID     string    `json:"partner_id"`
	ProviderID    string    `json:"provider_id"`
	Authenticated bool      `json:"authenticated"`
	AwaitingCode  bool      `json:"awaiting_code"`
	Interactive   bool      `json:"interactive"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Sessions 返回全部存活会话的概况
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.registry))
	for _, s := range m.registry {
		if s.usable() {
			out = append(out, s.Info())
		}
	}
	return out
}

// persist 保存已登录会话的存储状态
func (m *Manager) persist(ctx context.Context, key Key, state models.StorageState) error {
	if m.states == nil {
		return nil
	}
	rec := &models.SessionRecord{
		PartnerID:       key.PartnerID,
		ProviderID:      key.ProviderID,
		State:           state,
		AuthenticatedAt: time.Now(),
	}
	if err := m.states.SaveSessionState(ctx, rec); err != nil {
		return fmt.Errorf("保存会话状态失败: %w", err)
	}
	m.metrics.RecordStatePersisted(key.ProviderID)
	m.log.Info("会话状态已持久化", zap.String("session", key.String()), zap.Int("cookies", len(state.Cookies)))
	return nil
}
