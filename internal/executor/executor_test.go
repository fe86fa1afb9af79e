package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafusion/fleetrpa/internal/browser/browsertest"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/step"
)

var _ Session = (*session.Session)(nil)

type mapCredentials map[string]string

func (m mapCredentials) Secret(_ context.Context, field string) (string, error) {
	v, ok := m[field]
	if !ok {
		return "", rpaerr.Configuration("凭据缺少字段 %q", field)
	}
	return v, nil
}

type memorySink struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
}

func (s *memorySink) SaveScreenshot(executionID, name string, png []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	ref := fmt.Sprintf("%s/%03d_%s.png", executionID, len(s.names)+1, name)
	s.names = append(s.names, name)
	s.data[ref] = png
	return ref, nil
}

const (
	testEmail    = "gestor@frota-lisboa.pt"
	testPassword = "Pw-9f3!kq"
)

func creds() mapCredentials {
	return mapCredentials{"email": testEmail, "password": testPassword}
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

func loginPage(p *browsertest.Page) {
	p.Show("#email", "")
	p.Show("#password", "")
	p.Show("#submit", "Entrar")
	p.OnClick["#submit"] = func(p *browsertest.Page) {
		p.SetURL("https://uber.test/dashboard")
		p.Show("#dashboard", "Olá")
	}
}

type harness struct {
	exec  *Executor
	sess  *session.Session
	page  *browsertest.Page
	sink  *memorySink
	mgr   *session.Manager
	model *step.Model
}

func newHarness(t *testing.T, steps step.Sequence, vars []string, setup func(p *browsertest.Page)) *harness {
	t.Helper()
	driver := &browsertest.Driver{Setup: setup}
	mgr := session.NewManager(driver, nil, logger.NewNop(), nil)
	sess, err := mgr.Open(context.Background(), session.Key{PartnerID: "p1", ProviderID: "uber"}, models.AuthCheck{}, session.Reuse)
	require.NoError(t, err)

	model, err := step.NewModel("uber-weekly", "uber", 1, steps, vars, step.OutputShape{})
	require.NoError(t, err)

	sink := &memorySink{}
	opts := DefaultOptions()
	opts.DefaultTimeout = 200 * time.Millisecond
	return &harness{
		exec:  New(opts, sink, logger.NewNop(), nil),
		sess:  sess,
		page:  driver.Pages()[0],
		sink:  sink,
		mgr:   mgr,
		model: model,
	}
}

func (h *harness) run(ctx context.Context, bindings step.Bindings) *Result {
	return h.exec.Execute(ctx, Run{
		ExecutionID: "exec-1",
		Model:       h.model,
		Session:     h.sess,
		Bindings:    bindings,
		Credentials: creds(),
	})
}

func assertNoSecrets(t *testing.T, res *Result, sink *memorySink) {
	t.Helper()
	for _, secret := range []string{testEmail, testPassword} {
		for _, entry := range res.Logs {
			assert.NotContains(t, entry.Message, secret)
		}
		assert.NotContains(t, res.ErrorMessage, secret)
		for _, ref := range res.Screenshots {
			assert.NotContains(t, ref, secret)
		}
		for _, name := range sink.names {
			assert.NotContains(t, name, secret)
		}
	}
}

func TestLoginScenario(t *testing.T) {
	t.Run("登录模型执行成功且无提取", func(t *testing.T) {
		h := newHarness(t, loginSteps(), nil, loginPage)
		var progress []int
		res := h.exec.Execute(context.Background(), Run{
			ExecutionID: "exec-1",
			Model:       h.model,
			Session:     h.sess,
			Credentials: creds(),
			Progress:    func(done, total int) { progress = append(progress, done*100/total) },
		})

		require.True(t, res.Success, res.ErrorMessage)
		assert.Empty(t, res.Extractions)
		assert.Equal(t, -1, res.FailedIndex)
		assert.Equal(t, []int{20, 40, 60, 80, 100}, progress)
		assert.Equal(t, testEmail, h.page.TypedText("#email"))
		assert.Equal(t, testPassword, h.page.TypedText("#password"))
		assertNoSecrets(t, res, h.sink)
	})

	t.Run("提交按钮超时在步骤 3 中止", func(t *testing.T) {
		steps := loginSteps()
		steps[3] = &step.Click{
			Common: step.Common{Timeout: step.Duration(20 * time.Millisecond), ScreenshotAfter: true},
			Target: step.CSS("#submit"),
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			loginPage(p)
			p.Hang["#submit"] = true
		})
		res := h.run(context.Background(), nil)

		require.False(t, res.Success)
		var abort *rpaerr.StepAbortError
		require.True(t, errors.As(res.Err, &abort))
		assert.Equal(t, 3, abort.Index)
		assert.Equal(t, 3, res.FailedIndex)
		assert.ErrorIs(t, res.Err, rpaerr.ErrStepTimeout)
		assert.NotContains(t, h.page.History(), "wait_for #dashboard", "中止后不再执行后续步骤")
		assert.Len(t, res.Screenshots, 1, "失败截图")
		assertNoSecrets(t, res, h.sink)
	})

	t.Run("密码出现在页面错误信息中也会被遮盖", func(t *testing.T) {
		steps := loginSteps()
		steps[4] = &step.WaitFor{Target: step.CSS("#dashboard-" + testPassword)}
		h := newHarness(t, steps, nil, loginPage)
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "******")
		assertNoSecrets(t, res, h.sink)
	})
}

func TestOptionalAndNesting(t *testing.T) {
	t.Run("可选步骤失败后继续", func(t *testing.T) {
		steps := step.Sequence{
			&step.Click{Common: step.Common{Optional: true, Label: "fechar banner"}, Target: step.CSS("#cookie-banner")},
			&step.ReadText{Target: step.CSS("#total"), Name: "total"},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) { p.Show("#total", " 1.234,50 € ") })
		res := h.run(context.Background(), nil)

		require.True(t, res.Success)
		assert.True(t, res.Partial())
		assert.Equal(t, 1, res.OptionalFailures)
		require.Len(t, res.Extractions, 1)
		assert.Equal(t, "1.234,50 €", res.Extractions[0].Text)
		assert.Equal(t, "1", res.Extractions[0].StepPath)
	})

	t.Run("分支只执行一侧", func(t *testing.T) {
		steps := step.Sequence{
			&step.Branch{
				If:   step.Condition{Kind: step.CondElementExists, Target: &step.Locator{Selector: "#consent"}},
				Then: step.Sequence{&step.Click{Target: step.CSS("#consent")}},
				Else: step.Sequence{&step.PressKey{Key: "Escape"}},
			},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) { p.Show("#consent", "Aceitar") })
		res := h.run(context.Background(), nil)
		require.True(t, res.Success)
		assert.Contains(t, h.page.History(), "click #consent")
		assert.Empty(t, h.page.Keys)
	})

	t.Run("隐藏元素的文本条件为假", func(t *testing.T) {
		alert := step.CSS("#alert")
		steps := step.Sequence{
			&step.Branch{
				If:   step.Condition{Kind: step.CondTextContains, Target: &alert, Value: "expirada"},
				Then: step.Sequence{&step.Click{Target: step.CSS("#relogin")}},
				Else: step.Sequence{&step.PressKey{Key: "Escape"}},
			},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Set("#alert", &browsertest.Element{Visible: false, Text: "Sessão expirada"})
		})
		res := h.run(context.Background(), nil)
		require.True(t, res.Success, res.ErrorMessage)
		assert.NotContains(t, h.page.History(), "click #relogin")
		assert.Equal(t, []string{"Escape"}, h.page.Keys)
	})

	t.Run("可见元素的文本条件为真", func(t *testing.T) {
		alert := step.CSS("#alert")
		steps := step.Sequence{
			&step.Branch{
				If:   step.Condition{Kind: step.CondTextContains, Target: &alert, Value: "expirada"},
				Then: step.Sequence{&step.Click{Target: step.CSS("#relogin")}},
			},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Show("#alert", "Sessão expirada")
			p.Show("#relogin", "Entrar")
		})
		res := h.run(context.Background(), nil)
		require.True(t, res.Success, res.ErrorMessage)
		assert.Contains(t, h.page.History(), "click #relogin")
	})

	t.Run("嵌套步骤失败报告顶层序号", func(t *testing.T) {
		steps := step.Sequence{
			&step.Navigate{URL: "https://bolt.test"},
			&step.Branch{
				If:   step.Condition{Kind: step.CondURLContains, Value: "bolt"},
				Then: step.Sequence{&step.Click{Target: step.CSS("#missing")}},
			},
		}
		h := newHarness(t, steps, nil, nil)
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.Equal(t, 1, res.FailedIndex)
		assert.Equal(t, "1.then.0", res.FailedPath)
	})

	t.Run("循环直到条件成立", func(t *testing.T) {
		steps := step.Sequence{
			&step.Loop{
				MaxIterations: 10,
				Until:         &step.Condition{Kind: step.CondElementMissing, Target: &step.Locator{Selector: "#next"}},
				Body: step.Sequence{
					&step.ReadTable{Target: step.CSS("#earnings")},
					&step.Click{Target: step.CSS("#next")},
				},
			},
		}
		pages := 0
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			setTable(p, 1)
			p.Show("#next", ">")
			p.OnClick["#next"] = func(p *browsertest.Page) {
				pages++
				setTable(p, pages+1)
				if pages == 2 {
					p.Remove("#next")
				}
			}
		})
		res := h.run(context.Background(), nil)
		require.True(t, res.Success, res.ErrorMessage)
		require.Len(t, res.Extractions, 2)
		assert.Equal(t, "0.body.0", res.Extractions[0].StepPath)
		assert.Equal(t, [][]string{{"D-2", "10,00"}}, res.Extractions[1].Rows)
	})

	t.Run("页面无变化的循环被判定卡死", func(t *testing.T) {
		steps := step.Sequence{
			&step.Loop{
				MaxIterations: 50,
				Until:         &step.Condition{Kind: step.CondElementExists, Target: &step.Locator{Selector: "#done"}},
				Body:          step.Sequence{&step.Click{Target: step.CSS("#refresh")}},
			},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) { p.Show("#refresh", "") })
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.ErrorIs(t, res.Err, rpaerr.ErrLoopStalled)
		clicks := 0
		for _, a := range h.page.History() {
			if a == "click #refresh" {
				clicks++
			}
		}
		assert.Equal(t, 3, clicks)
	})
}

func setTable(p *browsertest.Page, page int) {
	html := fmt.Sprintf(`<table id="earnings">
<thead><tr><th>Motorista</th><th>Valor</th></tr></thead>
<tbody><tr><td>D-%d</td><td>10,00</td></tr></tbody></table>`, page)
	p.Set("#earnings", &browsertest.Element{Visible: true, HTML: html})
	p.SetBody("<html><body>" + html + "</body></html>")
}

func TestExtraction(t *testing.T) {
	t.Run("下载携带会话 Cookie", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie("sid")
			if err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="ganhos.csv"`)
			fmt.Fprint(w, "driver,amount\nD1,10.00\n")
		}))
		defer srv.Close()

		steps := step.Sequence{
			&step.Navigate{URL: srv.URL + "/reports"},
			&step.Download{Target: step.CSS("#export")},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Set("#export", &browsertest.Element{Visible: true, Attrs: map[string]string{"href": "/export?week=10"}})
			p.SetState(models.StorageState{Cookies: []models.Cookie{{Name: "sid", Value: "abc", Domain: "127.0.0.1", Path: "/"}}})
		})
		res := h.run(context.Background(), nil)
		require.True(t, res.Success, res.ErrorMessage)
		require.Len(t, res.Extractions, 1)
		ex := res.Extractions[0]
		assert.Equal(t, models.ExtractFile, ex.Kind)
		assert.Equal(t, "ganhos.csv", ex.FileName)
		assert.Equal(t, "csv", ex.FileType)
		assert.True(t, strings.HasPrefix(string(ex.Data), "driver,amount"))
	})

	t.Run("变量替换", func(t *testing.T) {
		steps := step.Sequence{&step.Navigate{URL: "https://via-verde.test/extrato?from={{period_start}}"}}
		h := newHarness(t, steps, []string{"period_start"}, nil)
		res := h.run(context.Background(), step.Bindings{"period_start": "2024-03-04"})
		require.True(t, res.Success)
		assert.Contains(t, h.page.History(), "navigate https://via-verde.test/extrato?from=2024-03-04")
	})

	t.Run("未绑定变量在执行任何动作之前失败", func(t *testing.T) {
		steps := step.Sequence{&step.Navigate{URL: "https://via-verde.test/extrato?from={{period_start}}"}}
		h := newHarness(t, steps, []string{"period_start"}, nil)
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.True(t, rpaerr.IsConfiguration(res.Err))
		assert.Empty(t, h.page.History())
	})
}

func TestInterruptions(t *testing.T) {
	t.Run("取消在步骤之间生效", func(t *testing.T) {
		steps := step.Sequence{
			&step.Click{Target: step.CSS("#a")},
			&step.Click{Target: step.CSS("#b")},
		}
		var h *harness
		h = newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Show("#a", "")
			p.Show("#b", "")
			p.OnClick["#a"] = func(*browsertest.Page) { h.sess.Cancel() }
		})
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.True(t, rpaerr.IsCancelled(res.Err))
		assert.Equal(t, "CancelledError", rpaerr.Kind(res.Err))
		assert.NotContains(t, h.page.History(), "click #b")
	})

	t.Run("会话丢失不被可选策略吸收", func(t *testing.T) {
		steps := step.Sequence{
			&step.Click{Target: step.CSS("#a")},
			&step.Click{Common: step.Common{Optional: true}, Target: step.CSS("#b")},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Show("#a", "")
			p.OnClick["#a"] = func(p *browsertest.Page) { p.Kill() }
		})
		res := h.run(context.Background(), nil)
		require.False(t, res.Success)
		assert.True(t, rpaerr.IsSessionLost(res.Err))
		assert.Equal(t, 0, res.OptionalFailures)
	})

	t.Run("二次验证码由人工提交", func(t *testing.T) {
		steps := step.Sequence{
			&step.TwoFactorCode{Target: step.CSS("#otp"), Submit: &step.Locator{Selector: "#verify"}},
		}
		h := newHarness(t, steps, nil, func(p *browsertest.Page) {
			p.Show("#otp", "")
			p.Show("#verify", "")
		})
		go func() {
			for !h.sess.Info().AwaitingCode {
				time.Sleep(time.Millisecond)
			}
			_ = h.mgr.SubmitCode(session.Key{PartnerID: "p1", ProviderID: "uber"}, "482913")
		}()
		res := h.run(context.Background(), nil)
		require.True(t, res.Success, res.ErrorMessage)
		assert.Equal(t, "482913", h.page.TypedText("#otp"))
		assert.Contains(t, h.page.History(), "click #verify")
		for _, entry := range res.Logs {
			assert.NotContains(t, entry.Message, "482913")
		}
	})
}
