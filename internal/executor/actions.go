package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/datafusion/fleetrpa/internal/htmltable"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
)

func (r *run) resolve(text string) (string, error) {
	return step.Resolve(text, r.bindings)
}

func (r *run) locator(loc step.Locator) (step.Locator, error) {
	return step.ResolveLocator(loc, r.bindings)
}

// leaf 执行一个原子步骤
func (r *run) leaf(ctx context.Context, s step.Step, path string) error {
	sess := r.in.Session
	switch st := s.(type) {
	case *step.Navigate:
		url, err := r.resolve(st.URL)
		if err != nil {
			return err
		}
		if err := sess.NavigateTo(ctx, url); err != nil {
			return navigationError(err)
		}
		return nil

	case *step.Click:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		return sess.ClickSelector(ctx, loc)

	case *step.Type:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		value, err := r.resolve(st.Value)
		if err != nil {
			return err
		}
		return sess.TypeInto(ctx, loc, value, st.Clear)

	case *step.Select:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		value, err := r.resolve(st.Value)
		if err != nil {
			return err
		}
		return sess.SelectOption(ctx, loc, value)

	case *step.Wait:
		t := time.NewTimer(st.Duration.Std())
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case *step.WaitFor:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		return sess.WaitVisible(ctx, loc)

	case *step.Hover:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		return sess.Hover(ctx, loc)

	case *step.Scroll:
		if st.Target == nil {
			return sess.ScrollBy(ctx, st.DX, st.DY)
		}
		loc, err := r.locator(*st.Target)
		if err != nil {
			return err
		}
		return sess.ScrollTo(ctx, loc)

	case *step.PressKey:
		key, err := r.resolve(st.Key)
		if err != nil {
			return err
		}
		return sess.PressKey(ctx, key)

	case *step.Screenshot:
		name := st.Name
		if name == "" {
			name = path + "_screenshot"
		}
		name, err := r.resolve(name)
		if err != nil {
			return err
		}
		png, err := sess.Screenshot(ctx)
		if err != nil {
			return err
		}
		if r.e.sink != nil {
			ref, err := r.e.sink.SaveScreenshot(r.in.ExecutionID, r.scrub(name), png)
			if err != nil {
				return fmt.Errorf("保存截图失败: %w", err)
			}
			r.res.Screenshots = append(r.res.Screenshots, ref)
		}
		return nil

	case *step.ReadText:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		text, err := sess.Text(ctx, loc)
		if err != nil {
			return err
		}
		r.res.Extractions = append(r.res.Extractions, models.Extraction{
			Kind:     models.ExtractText,
			Name:     st.Name,
			StepPath: path,
			Text:     text,
		})
		r.logf("info", "读取文本 %s: %d 字符", path, len(text))
		return nil

	case *step.ReadTable:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		html, err := sess.OuterHTML(ctx, loc)
		if err != nil {
			return err
		}
		columns, rows, err := htmltable.Parse(html)
		if err != nil {
			return err
		}
		r.res.Extractions = append(r.res.Extractions, models.Extraction{
			Kind:     models.ExtractTable,
			Name:     st.Name,
			StepPath: path,
			Columns:  columns,
			Rows:     rows,
		})
		r.logf("info", "读取表格 %s: %d 列 %d 行", path, len(columns), len(rows))
		return nil

	case *step.Download:
		ex, err := r.download(ctx, st, path)
		if err != nil {
			return err
		}
		r.res.Extractions = append(r.res.Extractions, *ex)
		r.logf("info", "下载文件 %s: %s (%d 字节)", path, ex.FileName, len(ex.Data))
		return nil

	case *step.FillCredential:
		if r.in.Credentials == nil {
			return rpaerr.Configuration("执行没有关联凭据")
		}
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		value, err := r.in.Credentials.Secret(ctx, st.Field)
		if err != nil {
			return err
		}
		r.remember(value)
		if err := sess.TypeInto(ctx, loc, value, true); err != nil {
			return err
		}
		r.logf("info", "已填充凭据字段 %s", st.Field)
		return nil

	case *step.TwoFactorCode:
		loc, err := r.locator(st.Target)
		if err != nil {
			return err
		}
		r.logf("info", "等待人工提交二次验证码")
		code, err := sess.WaitCode(ctx)
		if err != nil {
			return err
		}
		r.remember(code)
		if err := sess.TypeInto(ctx, loc, code, true); err != nil {
			return err
		}
		if st.Submit != nil {
			submit, err := r.locator(*st.Submit)
			if err != nil {
				return err
			}
			if err := sess.ClickSelector(ctx, submit); err != nil {
				return err
			}
		}
		r.logf("info", "已填入二次验证码")
		return nil
	}
	return fmt.Errorf("不支持的步骤类型: %s", s.Kind())
}

func navigationError(err error) error {
	if errors.Is(err, rpaerr.ErrStepTimeout) || rpaerr.IsCancelled(err) || rpaerr.IsSessionLost(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", rpaerr.ErrNavigation, err)
}

func (r *run) branch(ctx context.Context, st *step.Branch, path string, top int) error {
	ok, err := r.evaluate(ctx, st.If)
	if err != nil {
		return err
	}
	if ok {
		r.logf("info", "分支 %s 条件成立", path)
		return r.sequence(ctx, st.Then, path+".then", top)
	}
	r.logf("info", "分支 %s 条件不成立", path)
	return r.sequence(ctx, st.Else, path+".else", top)
}

// loop 有界循环。带停止条件时，页面指纹连续 StallLimit 次不变视为卡死
func (r *run) loop(ctx context.Context, st *step.Loop, path string, top int) error {
	limit := st.MaxIterations
	if limit > r.e.opts.LoopCeiling {
		limit = r.e.opts.LoopCeiling
	}

	var (
		prev      uint64
		unchanged int
	)
	if st.Until != nil {
		fp, err := r.fingerprint(ctx)
		if err != nil {
			return err
		}
		prev = fp
	}

	for i := 0; i < limit; i++ {
		if r.cancelled(ctx) {
			return rpaerr.ErrCancelled
		}
		if st.Until != nil {
			done, err := r.evaluate(ctx, *st.Until)
			if err != nil {
				return err
			}
			if done {
				r.logf("info", "循环 %s 在第 %d 次迭代前满足停止条件", path, i+1)
				return nil
			}
		}
		if err := r.sequence(ctx, st.Body, path+".body", top); err != nil {
			return err
		}
		if st.Until == nil {
			continue
		}
		fp, err := r.fingerprint(ctx)
		if err != nil {
			return err
		}
		if fp == prev {
			unchanged++
			if unchanged >= r.e.opts.StallLimit {
				return fmt.Errorf("%w: 循环 %s 连续 %d 次迭代页面无变化", rpaerr.ErrLoopStalled, path, unchanged)
			}
		} else {
			unchanged = 0
		}
		prev = fp
	}

	if st.Until != nil {
		r.logf("warn", "循环 %s 达到迭代上限 %d 仍未满足停止条件", path, limit)
	}
	return nil
}

// evaluate 计算分支/循环条件
func (r *run) evaluate(ctx context.Context, c step.Condition) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.e.opts.DefaultTimeout)
	defer cancel()
	sess := r.in.Session

	var target step.Locator
	if c.Target != nil {
		loc, err := r.locator(*c.Target)
		if err != nil {
			return false, err
		}
		target = loc
	}
	value, err := r.resolve(c.Value)
	if err != nil {
		return false, err
	}

	switch c.Kind {
	case step.CondElementExists:
		return sess.Exists(ctx, target)
	case step.CondElementMissing:
		ok, err := sess.Exists(ctx, target)
		return !ok, err
	case step.CondURLContains:
		url, err := sess.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, value), nil
	case step.CondTextContains:
		// 隐藏元素的文本不可读，视为不包含
		ok, err := sess.Visible(ctx, target)
		if err != nil || !ok {
			return false, err
		}
		text, err := sess.Text(ctx, target)
		if err != nil {
			return false, err
		}
		return strings.Contains(text, value), nil
	}
	return false, fmt.Errorf("未知的条件类型: %q", c.Kind)
}

// fingerprint 页面状态指纹（URL 与整页 HTML）
func (r *run) fingerprint(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.e.opts.DefaultTimeout)
	defer cancel()
	url, err := r.in.Session.CurrentURL(ctx)
	if err != nil {
		return 0, err
	}
	html, err := r.in.Session.OuterHTML(ctx, step.Locator{})
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(html))
	return h.Sum64(), nil
}
