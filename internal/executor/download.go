package executor

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
)

// download 使用会话 Cookie 下载文件
func (r *run) download(ctx context.Context, st *step.Download, stepPath string) (*models.Extraction, error) {
	sess := r.in.Session

	raw := st.URL
	if raw == "" {
		loc, err := r.locator(st.Target)
		if err != nil {
			return nil, err
		}
		href, found, err := sess.Attribute(ctx, loc, "href")
		if err != nil {
			return nil, err
		}
		if !found || href == "" {
			return nil, fmt.Errorf("下载目标 %s 没有 href", loc)
		}
		raw = href
	} else {
		resolved, err := r.resolve(raw)
		if err != nil {
			return nil, err
		}
		raw = resolved
	}

	current, err := sess.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	target, err := absoluteURL(current, raw)
	if err != nil {
		return nil, err
	}

	state, err := sess.StorageState(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := r.e.client.R().
		SetContext(ctx).
		SetCookies(cookiesFor(target, state.Cookies)).
		Get(target.String())
	if err != nil {
		return nil, fmt.Errorf("下载请求失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("下载返回错误状态码: %d", resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	name := st.FileName
	if name != "" {
		if name, err = r.resolve(name); err != nil {
			return nil, err
		}
	} else {
		name = fileName(resp.Header().Get("Content-Disposition"), target)
	}

	return &models.Extraction{
		Kind:        models.ExtractFile,
		StepPath:    stepPath,
		FileName:    name,
		FileType:    fileType(st.FileType, name, contentType),
		ContentType: contentType,
		Data:        resp.Body(),
	}, nil
}

func absoluteURL(base, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("无效的下载地址 %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("无效的页面地址 %q: %w", base, err)
	}
	return b.ResolveReference(u), nil
}

// cookiesFor 选出域名与路径匹配目标地址的 Cookie
func cookiesFor(target *url.URL, cookies []models.Cookie) []*http.Cookie {
	host := target.Hostname()
	var out []*http.Cookie
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain != "" && host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(target.Path, c.Path) {
			continue
		}
		if c.Secure && target.Scheme != "https" {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

func fileName(disposition string, target *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if base := path.Base(target.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return "download"
}

func fileType(declared, name, contentType string) string {
	if declared != "" {
		return strings.ToLower(declared)
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."); ext != "" {
		return ext
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mediaType, "csv"):
		return "csv"
	case strings.Contains(mediaType, "json"):
		return "json"
	case strings.Contains(mediaType, "html"):
		return "html"
	}
	return ""
}
