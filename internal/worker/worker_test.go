package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafusion/fleetrpa/internal/browser/browsertest"
	"github.com/datafusion/fleetrpa/internal/executor"
	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
	"github.com/datafusion/fleetrpa/internal/vault"
)

const earningsTable = `<table>
<tr><th>Motorista</th><th>Valor</th><th>Data</th></tr>
<tr><td>D-1</td><td>10,00</td><td>04/03/2024</td></tr>
<tr><td>D-1</td><td>5,50</td><td>05/03/2024</td></tr>
<tr><td>D-2</td><td>20,00</td><td>04/03/2024</td></tr>
<tr><td></td><td>9,99</td><td>04/03/2024</td></tr>
<tr><td>D-3</td><td>abc</td><td>04/03/2024</td></tr>
<tr><td>D-2</td><td>1.000,00</td><td>06/03/2024</td></tr>
<tr><td>D-3</td><td>7,25</td><td>07/03/2024</td></tr>
<tr><td>D-4</td><td>0,75</td><td>10/03/2024</td></tr>
</table>`

const cleanTable = `<table>
<tr><th>Motorista</th><th>Valor</th><th>Data</th></tr>
<tr><td>D-1</td><td>10,00</td><td>04/03/2024</td></tr>
<tr><td>D-2</td><td>3,50</td><td>05/03/2024</td></tr>
</table>`

var week10 = models.WeekKey{Year: 2024, Week: 10}

type harness struct {
	w      *Worker
	store  *memory.Store
	ledger *ledger.Ledger
	vault  *vault.Vault
	mgr    *session.Manager
	driver *browsertest.Driver
}

func uberProvider() *models.Provider {
	return &models.Provider{
		ID:               "uber",
		Name:             "Uber",
		Category:         models.CategoryRideHailing,
		LoginURL:         "https://uber.test/login",
		CredentialFields: []string{"email", "password"},
		AuthCheck:        models.AuthCheck{URLContains: "/dashboard"},
		Mapping: models.ColumnMapping{
			Driver:          []string{"motorista"},
			Amount:          []string{"valor"},
			Date:            []string{"data"},
			DefaultCurrency: "EUR",
		},
	}
}

func loginSteps() step.Sequence {
	return step.Sequence{
		&step.Navigate{URL: "https://uber.test/login"},
		&step.FillCredential{Field: "email", Target: step.CSS("#email")},
		&step.FillCredential{Field: "password", Target: step.CSS("#password")},
		&step.Click{Target: step.CSS("#submit")},
		&step.WaitFor{Target: step.CSS("#dashboard")},
	}
}

func extractSteps() step.Sequence {
	return append(loginSteps(), &step.ReadTable{Target: step.CSS("#earnings"), Name: "ganhos"})
}

// portal 登录后出现汇总表
func portal(table string) func(p *browsertest.Page) {
	return func(p *browsertest.Page) {
		p.Show("#email", "")
		p.Show("#password", "")
		p.Show("#submit", "Entrar")
		p.SetState(models.StorageState{Cookies: []models.Cookie{{Name: "sid", Value: "abc", Domain: "uber.test", Path: "/"}}})
		p.OnClick["#submit"] = func(p *browsertest.Page) {
			p.SetURL("https://uber.test/dashboard")
			p.Show("#dashboard", "Olá")
			p.Set("#earnings", &browsertest.Element{Visible: true, HTML: table})
		}
	}
}

func newHarness(t *testing.T, steps step.Sequence, setup func(p *browsertest.Page)) *harness {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()
	store := memory.New()

	ring, err := vault.NewKeyRing("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, vault.KeySize)})
	require.NoError(t, err)
	v, err := vault.NewVault(ring, store, log)
	require.NoError(t, err)

	require.NoError(t, store.SaveProvider(ctx, uberProvider()))
	model, err := step.NewModel("uber-weekly", "uber", 1, steps, nil, step.OutputShape{})
	require.NoError(t, err)
	require.NoError(t, store.SaveModel(ctx, model))

	driver := &browsertest.Driver{Setup: setup}
	mgr := session.NewManager(driver, store, log, nil)
	opts := executor.DefaultOptions()
	opts.DefaultTimeout = 2 * time.Second
	l := ledger.New(store, log, nil)

	w := New(Deps{
		Store:      store,
		Ledger:     l,
		Vault:      v,
		Sessions:   mgr,
		Executor:   executor.New(opts, storage.NewFileStorage(t.TempDir()), log, nil),
		Normalizer: normalizer.New(time.UTC),
		Merger:     normalizer.NewMerger(store),
		Location:   time.UTC,
		Logger:     log,
	})
	w.now = func() time.Time { return time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC) }
	return &harness{w: w, store: store, ledger: l, vault: v, mgr: mgr, driver: driver}
}

func (h *harness) storeCredential(t *testing.T) string {
	t.Helper()
	id, err := h.vault.Store(context.Background(), "p1", "uber",
		vault.SecretFields{"email": "gestor@frota-lisboa.pt", "password": "Pw-9f3!kq"}, nil)
	require.NoError(t, err)
	return id
}

func (h *harness) create(t *testing.T) *models.Execution {
	t.Helper()
	exec, err := h.ledger.Create(context.Background(), ledger.NewExecution{
		PartnerID:  "p1",
		ProviderID: "uber",
		ModelID:    "uber-weekly",
		Trigger:    models.TriggerManual,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.Execution {
	t.Helper()
	var exec *models.Execution
	require.Eventually(t, func() bool {
		e, err := h.ledger.Get(context.Background(), id)
		if err != nil {
			return false
		}
		exec = e
		return e.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("登录并提取，全部有效时为 sucesso", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		credID := h.storeCredential(t)

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, exec.Status, exec.ErrorMessage)
		assert.Equal(t, 2, exec.RecordCount)
		assert.Equal(t, 100, exec.Progress)
		require.NotNil(t, exec.StartedAt)
		require.NotNil(t, exec.FinishedAt)

		summary, err := h.w.merger.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), summary.Total("D-1", models.CategoryRideHailing))
		assert.Equal(t, int64(350), summary.Total("D-2", models.CategoryRideHailing))

		rec, err := h.store.GetSessionState(ctx, "p1", "uber")
		require.NoError(t, err, "登录后的会话状态被保存")
		assert.Len(t, rec.State.Cookies, 1)

		cred, err := h.store.GetCredential(ctx, credID)
		require.NoError(t, err)
		require.NotNil(t, cred.LastValidationOK)
		assert.True(t, *cred.LastValidationOK)

		assert.Zero(t, h.driver.Live(), "执行结束后会话被关闭")
		for _, entry := range exec.Logs {
			assert.NotContains(t, entry.Message, "Pw-9f3!kq")
		}
	})

	t.Run("8 行中 6 行有效时为 sucesso_parcial", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(earningsTable))
		h.storeCredential(t)

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPartial, exec.Status)
		assert.Equal(t, 6, exec.RecordCount)
		assert.Equal(t, 2, exec.RejectedCount)
		assert.Equal(t, "NormalizationError", exec.ErrorKind)

		summary, err := h.w.merger.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		records := 0
		for _, line := range summary.Lines {
			records += line.Records
		}
		assert.Equal(t, 6, records)
		assert.Equal(t, int64(2000+100000), summary.Total("D-2", models.CategoryRideHailing))
	})

	t.Run("重复运行同一执行的数据不会重复计入", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)

		first, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusSuccess, first.Status)

		again, err := h.w.Run(ctx, first.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
		assert.Equal(t, models.StatusSuccess, again.Status)

		summary, err := h.w.merger.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), summary.Total("D-1", models.CategoryRideHailing))
	})

	t.Run("没有凭据时为配置错误且不打开浏览器", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, exec.Status)
		assert.Equal(t, "ConfigurationError", exec.ErrorKind)
		assert.Nil(t, exec.StartedAt)
		assert.Zero(t, h.driver.Opened)
	})

	t.Run("步骤模型不存在时为配置错误", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)
		exec, err := h.ledger.Create(ctx, ledger.NewExecution{
			PartnerID: "p1", ProviderID: "uber", ModelID: "bolt-weekly", Trigger: models.TriggerManual,
		})
		require.NoError(t, err)

		done, err := h.w.Run(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, done.Status)
		assert.Equal(t, "ConfigurationError", done.ErrorKind)
		assert.Zero(t, h.driver.Opened)
	})

	t.Run("平台通常有数据但没有提取到记录时为 erro", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(`<table><tr><th>Motorista</th><th>Valor</th><th>Data</th></tr></table>`))
		h.storeCredential(t)
		p := uberProvider()
		p.ExpectsRecords = true
		require.NoError(t, h.store.SaveProvider(ctx, p))

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, exec.Status)
		assert.Equal(t, "NormalizationError", exec.ErrorKind)
	})

	t.Run("只登录的模型在平台通常有数据时仍为 sucesso", func(t *testing.T) {
		h := newHarness(t, loginSteps(), portal(cleanTable))
		h.storeCredential(t)
		p := uberProvider()
		p.ExpectsRecords = true
		require.NoError(t, h.store.SaveProvider(ctx, p))

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, exec.Status, exec.ErrorMessage)
		assert.Zero(t, exec.RecordCount)
		assert.Empty(t, exec.ErrorKind)
	})

	t.Run("没有提取步骤且平台允许为空时为 sucesso", func(t *testing.T) {
		h := newHarness(t, loginSteps(), portal(cleanTable))
		h.storeCredential(t)
		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, exec.Status)
		assert.Zero(t, exec.RecordCount)
	})

	t.Run("步骤失败时记录失败步骤", func(t *testing.T) {
		steps := append(loginSteps(), &step.WaitFor{
			Common: step.Common{Timeout: step.Duration(20 * time.Millisecond)},
			Target: step.CSS("#relatorio"),
		})
		h := newHarness(t, steps, portal(cleanTable))
		h.storeCredential(t)

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, exec.Status)
		assert.Equal(t, "StepAbortError", exec.ErrorKind)
		require.NotNil(t, exec.FailedStep)
		assert.Equal(t, 5, *exec.FailedStep)
		_, err = h.store.GetSessionState(ctx, "p1", "uber")
		assert.ErrorIs(t, err, storage.ErrNotFound, "失败的执行不保存会话状态")
		assert.Zero(t, h.driver.Live())
	})

	t.Run("使用已保存的会话状态恢复", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)
		require.NoError(t, h.store.SaveSessionState(ctx, &models.SessionRecord{
			PartnerID:  "p1",
			ProviderID: "uber",
			State:      models.StorageState{Cookies: []models.Cookie{{Name: "sid", Value: "old"}}},
		}))

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, exec.Status)
		assert.Contains(t, h.driver.Pages()[0].History(), "restore_state")
	})

	t.Run("人工接管中的会话在成功后保留", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)
		key := session.Key{PartnerID: "p1", ProviderID: "uber"}
		_, err := h.mgr.Open(ctx, key, uberProvider().AuthCheck, session.Reuse)
		require.NoError(t, err)

		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, exec.Status)
		assert.Equal(t, 1, h.driver.Opened)
		_, ok := h.mgr.Get(key)
		assert.True(t, ok)
		assert.Equal(t, 1, h.driver.Live())
	})
}

func TestSameAccountRunsSerialized(t *testing.T) {
	ctx := context.Background()
	slow := step.Sequence{
		&step.Navigate{URL: "https://uber.test/dashboard"},
		&step.Wait{Duration: step.Duration(300 * time.Millisecond)},
		&step.Navigate{URL: "https://uber.test/dashboard?semana=10"},
	}

	t.Run("第二次执行等待第一次结束且不共用页面", func(t *testing.T) {
		h := newHarness(t, slow, nil)
		h.storeCredential(t)
		first, second := h.create(t), h.create(t)

		done := make(chan *models.Execution, 1)
		go func() {
			e, _ := h.w.Run(ctx, first.ID)
			done <- e
		}()
		time.Sleep(100 * time.Millisecond)
		b, err := h.w.Run(ctx, second.ID)
		require.NoError(t, err)
		a := <-done

		require.NotNil(t, a)
		assert.Equal(t, models.StatusSuccess, a.Status, a.ErrorMessage)
		assert.Equal(t, models.StatusSuccess, b.Status, b.ErrorMessage)
		require.NotNil(t, a.FinishedAt)
		require.NotNil(t, b.StartedAt)
		assert.False(t, b.StartedAt.Before(*a.FinishedAt), "第二次执行在第一次结束后才开始")
		assert.Equal(t, 2, h.driver.Opened)
		assert.Zero(t, h.driver.Live())
	})

	t.Run("等待中的执行可以取消", func(t *testing.T) {
		h := newHarness(t, hangingSteps(), hangingPortal)
		h.storeCredential(t)

		running, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			e, err := h.ledger.Get(ctx, running.ID)
			return err == nil && e.Status == models.StatusRunning
		}, 5*time.Second, 5*time.Millisecond)

		queued, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly"})
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		e, err := h.ledger.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, e.Status)
		assert.Equal(t, 1, h.driver.Opened)

		_, err = h.w.Cancel(ctx, queued.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, h.waitTerminal(t, queued.ID).Status)

		e, err = h.ledger.Get(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, e.Status, "取消排队的执行不影响正在运行的执行")

		_, err = h.w.Cancel(ctx, running.ID, "")
		require.NoError(t, err)
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, h.w.Shutdown(shutdownCtx))
	})
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("手动触发异步运行到终态", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)

		exec, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly"})
		require.NoError(t, err)
		assert.Equal(t, models.TriggerManual, exec.Trigger)

		done := h.waitTerminal(t, exec.ID)
		assert.Equal(t, models.StatusSuccess, done.Status)
	})

	t.Run("按调度触发时使用调度参数", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		h.storeCredential(t)
		require.NoError(t, h.store.SaveSchedule(ctx, &models.Schedule{
			ID: "s1", PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly", Active: true,
			Recurrence: models.Recurrence{Frequency: models.Weekly, Weekday: time.Monday, Hour: 6},
			Bindings:   map[string]string{"region": "lisboa"},
		}))

		exec, err := h.w.Trigger(ctx, RunRequest{ScheduleID: "s1", Bindings: map[string]string{"extra": "1"}})
		require.NoError(t, err)
		assert.Equal(t, "s1", exec.ScheduleID)
		assert.Equal(t, map[string]string{"region": "lisboa", "extra": "1"}, exec.Bindings)
		h.waitTerminal(t, exec.ID)
	})

	t.Run("参数不完整", func(t *testing.T) {
		h := newHarness(t, extractSteps(), portal(cleanTable))
		_, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1"})
		assert.True(t, rpaerr.IsConfiguration(err))

		_, err = h.w.Trigger(ctx, RunRequest{ScheduleID: "missing"})
		assert.True(t, rpaerr.IsConfiguration(err))
	})
}

func hangingSteps() step.Sequence {
	return append(loginSteps(), &step.WaitFor{
		Common: step.Common{Timeout: step.Duration(time.Minute)},
		Target: step.CSS("#report"),
	})
}

func hangingPortal(p *browsertest.Page) {
	portal(cleanTable)(p)
	p.Hang["#report"] = true
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("取消进行中的执行", func(t *testing.T) {
		h := newHarness(t, hangingSteps(), hangingPortal)
		h.storeCredential(t)

		exec, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			e, err := h.ledger.Get(ctx, exec.ID)
			return err == nil && e.Status == models.StatusRunning
		}, 5*time.Second, 5*time.Millisecond)

		cancelled, err := h.w.Cancel(ctx, exec.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, cancelled.Status)

		done := h.waitTerminal(t, exec.ID)
		assert.Equal(t, models.StatusCancelled, done.Status)

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, h.w.Shutdown(shutdownCtx))
		assert.Eventually(t, func() bool { return h.driver.Live() == 0 }, time.Second, 5*time.Millisecond, "取消后会话被放弃")
		_, err = h.store.GetSessionState(ctx, "p1", "uber")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("取消已结束的执行", func(t *testing.T) {
		h := newHarness(t, loginSteps(), portal(cleanTable))
		h.storeCredential(t)
		exec, err := h.w.Run(ctx, h.create(t).ID)
		require.NoError(t, err)

		_, err = h.w.Cancel(ctx, exec.ID, "tarde demais")
		assert.True(t, errors.Is(err, ledger.ErrTerminal))
	})
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("关闭后拒绝新的执行", func(t *testing.T) {
		h := newHarness(t, loginSteps(), portal(cleanTable))
		require.NoError(t, h.w.Shutdown(ctx))

		exec := h.create(t)
		assert.ErrorIs(t, h.w.Dispatch(exec), ErrShuttingDown)
		got, err := h.ledger.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
	})

	t.Run("超时后取消剩余执行", func(t *testing.T) {
		h := newHarness(t, hangingSteps(), hangingPortal)
		h.storeCredential(t)
		exec, err := h.w.Trigger(ctx, RunRequest{PartnerID: "p1", ProviderID: "uber", ModelID: "uber-weekly"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			e, err := h.ledger.Get(ctx, exec.ID)
			return err == nil && e.Status == models.StatusRunning
		}, 5*time.Second, 5*time.Millisecond)

		shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.w.Shutdown(shutdownCtx), context.DeadlineExceeded)

		got, err := h.ledger.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
	})
}

func TestBindings(t *testing.T) {
	now := time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)
	b := periodBindings(now, time.UTC)
	assert.Equal(t, "2024-03-04", b["period_start"])
	assert.Equal(t, "2024-03-10", b["period_end"])
	assert.Equal(t, "2024-W10", b["week"])
	assert.Equal(t, "10", b["week_number"])
	assert.Equal(t, "2024", b["year"])

	merged := mergeBindings(b, map[string]string{"week": "custom"})
	assert.Equal(t, "custom", merged["week"])
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), fallbackDate(merged, time.UTC))
	assert.True(t, fallbackDate(step.Bindings{}, time.UTC).IsZero())
}
