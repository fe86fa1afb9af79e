package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/datafusion/fleetrpa/internal/browser/browsertest"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
)

var (
	uberKey  = Key{PartnerID: "p1", ProviderID: "uber"}
	uberAuth = models.AuthCheck{URLContains: "/dashboard", Marker: &step.Locator{Strategy: step.ByCSS, Selector: "#avatar"}}
)

func newTestManager(t *testing.T) (*Manager, *browsertest.Driver, *memory.Store) {
	t.Helper()
	d := &browsertest.Driver{}
	store := memory.New()
	return NewManager(d, store, logger.NewNop(), nil), d, store
}

func fakePage(t *testing.T, s *Session) *browsertest.Page {
	t.Helper()
	p, ok := s.page.(*browsertest.Page)
	require.True(t, ok)
	return p
}

func TestManagerOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("并发打开只产生一个存活会话", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		const n = 16
		var wg sync.WaitGroup
		sessions := make([]*Session, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
				assert.NoError(t, err)
				sessions[i] = s
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, d.Opened)
		assert.Equal(t, 1, m.Live())
		for _, s := range sessions {
			assert.Same(t, sessions[0], s)
		}
	})

	t.Run("替换会关闭旧页面", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		first, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		second, err := m.Open(ctx, uberKey, uberAuth, Replace)
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.True(t, fakePage(t, first).Closed())
		assert.Equal(t, 1, d.Live())
		assert.Equal(t, 1, m.Live())
	})

	t.Run("替换时关闭失败会被记录", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		d := &browsertest.Driver{}
		m := NewManager(d, nil, &logger.Logger{Logger: zap.New(core)}, nil)
		first, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		fakePage(t, first).CloseErr = errors.New("target closed")

		_, err = m.Open(ctx, uberKey, uberAuth, Replace)
		require.NoError(t, err)
		warns := logs.FilterMessage("关闭旧会话失败").All()
		require.Len(t, warns, 1)
		assert.Equal(t, "target closed", warns[0].ContextMap()["error"])
	})

	t.Run("不同键互不影响", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		_, err = m.Open(ctx, Key{PartnerID: "p1", ProviderID: "bolt"}, models.AuthCheck{}, Reuse)
		require.NoError(t, err)
		assert.Equal(t, 2, m.Live())
		assert.Len(t, m.Sessions(), 2)
	})
}

func TestSessionLost(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
	require.NoError(t, err)

	fakePage(t, s).Kill()
	err = s.NavigateTo(ctx, "https://example.com")
	assert.True(t, rpaerr.IsSessionLost(err))

	_, ok := m.Get(uberKey)
	assert.False(t, ok, "丢失的会话应从注册表移除")

	err = s.ClickAt(ctx, 1, 1)
	assert.True(t, rpaerr.IsSessionLost(err))
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)
	s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
	require.NoError(t, err)
	page := fakePage(t, s)
	page.SetURL("https://uber.test/dashboard")
	page.Show("#avatar", "")
	page.SetState(models.StorageState{Cookies: []models.Cookie{{Name: "sid", Value: "x"}}})

	s.Cancel()

	err = s.NavigateTo(ctx, "https://example.com")
	assert.ErrorIs(t, err, rpaerr.ErrCancelled)
	assert.Eventually(t, page.Closed, time.Second, 5*time.Millisecond)

	_, err = store.GetSessionState(ctx, uberKey.PartnerID, uberKey.ProviderID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "取消时不持久化状态")
	assert.Equal(t, 0, m.Live())
}

func TestPersistState(t *testing.T) {
	ctx := context.Background()

	t.Run("未登录不持久化", func(t *testing.T) {
		m, _, store := newTestManager(t)
		s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		fakePage(t, s).SetURL("https://uber.test/login")

		assert.ErrorIs(t, s.PersistState(ctx), ErrNotAuthenticated)
		_, err = store.GetSessionState(ctx, uberKey.PartnerID, uberKey.ProviderID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("只满足 URL 不算登录", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		fakePage(t, s).SetURL("https://uber.test/dashboard")

		ok, err := s.IsAuthenticated(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("登录后持久化并可恢复", func(t *testing.T) {
		m, d, store := newTestManager(t)
		s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
		require.NoError(t, err)
		page := fakePage(t, s)
		page.SetURL("https://uber.test/dashboard")
		page.Show("#avatar", "Ana")
		state := models.StorageState{Cookies: []models.Cookie{{Name: "sid", Value: "abc", Domain: "uber.test"}}}
		page.SetState(state)

		require.NoError(t, s.PersistState(ctx))
		rec, err := store.GetSessionState(ctx, uberKey.PartnerID, uberKey.ProviderID)
		require.NoError(t, err)
		assert.Equal(t, state.Cookies, rec.State.Cookies)

		require.NoError(t, m.Close(uberKey))
		resumed, restored, err := m.ResumePersisted(ctx, uberKey, uberAuth)
		require.NoError(t, err)
		assert.True(t, restored)
		assert.Equal(t, 2, d.Opened)
		got, err := resumed.StorageState(ctx)
		require.NoError(t, err)
		assert.Equal(t, state.Cookies, got.Cookies)
	})
}

func TestTakeover(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)

	s, err := m.StartInteractive(ctx, uberKey, uberAuth, "https://uber.test/login")
	require.NoError(t, err)
	page := fakePage(t, s)
	assert.Contains(t, page.History(), "navigate https://uber.test/login")
	assert.True(t, s.Info().Interactive)

	require.NoError(t, m.RelayClick(ctx, uberKey, 120, 300))
	require.NoError(t, m.RelayType(ctx, uberKey, "ana@frota.pt"))
	require.NoError(t, m.RelayKey(ctx, uberKey, "Enter"))
	assert.Equal(t, [][2]float64{{120, 300}}, page.Clicks)
	assert.Equal(t, []string{"ana@frota.pt"}, page.Inserted)
	assert.Equal(t, []string{"Enter"}, page.Keys)

	png, err := m.PollScreenshot(ctx, uberKey)
	require.NoError(t, err)
	assert.Contains(t, string(png), "uber.test/login")

	assert.ErrorIs(t, m.ConfirmAuthenticated(ctx, uberKey), ErrNotAuthenticated)

	page.SetURL("https://uber.test/dashboard")
	page.Show("#avatar", "Ana")
	require.NoError(t, m.ConfirmAuthenticated(ctx, uberKey))
	_, err = store.GetSessionState(ctx, uberKey.PartnerID, uberKey.ProviderID)
	assert.NoError(t, err)
	assert.False(t, s.Info().Interactive)

	assert.ErrorIs(t, m.RelayClick(ctx, Key{PartnerID: "x", ProviderID: "y"}, 0, 0), ErrNoSession)
}

func TestTwoFactorCode(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	s, err := m.Open(ctx, uberKey, uberAuth, Reuse)
	require.NoError(t, err)

	t.Run("提交的验证码被等待方读取", func(t *testing.T) {
		done := make(chan string)
		go func() {
			code, err := s.WaitCode(ctx)
			assert.NoError(t, err)
			done <- code
		}()
		assert.Eventually(t, func() bool { return s.Info().AwaitingCode }, time.Second, time.Millisecond)
		require.NoError(t, m.SubmitCode(uberKey, " 123456 "))
		assert.Equal(t, "123456", <-done)
	})

	t.Run("新验证码覆盖未读取的旧验证码", func(t *testing.T) {
		require.NoError(t, s.SubmitCode("111111"))
		require.NoError(t, s.SubmitCode("222222"))
		code, err := s.WaitCode(ctx)
		require.NoError(t, err)
		assert.Equal(t, "222222", code)
	})

	t.Run("超时", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := s.WaitCode(tctx)
		assert.True(t, errors.Is(err, rpaerr.ErrStepTimeout))
	})
}
