// Package catalog 从目录加载平台配置与步骤模型定义文件并同步到文档存储
//
// 目录结构：
//
//	<dir>/providers/*.json|*.json5
//	<dir>/models/*.json|*.json5
//
// 同名的 <name>.local.<ext> 文件覆盖顶层字段，用于本地调试。
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/titanous/json5"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
)

const (
	providersDir = "providers"
	modelsDir    = "models"
)

// Repo 同步目标
type Repo interface {
	storage.ProviderRepo
	storage.ModelRepo
}

// Report 一次同步的结果
type Report struct {
	Providers int
	Models    int
	// Unchanged 已存在且内容相同的模型版本
	Unchanged int
	Errors    []error
}

// Err 合并全部文件错误
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

// Loader 定义文件加载器
type Loader struct {
	dir      string
	repo     Repo
	log      *logger.Logger
	now      func() time.Time
	debounce time.Duration
}

// NewLoader 创建加载器
func NewLoader(dir string, repo Repo, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Loader{
		dir:      dir,
		repo:     repo,
		log:      log.WithComponent("catalog"),
		now:      time.Now,
		debounce: 500 * time.Millisecond,
	}
}

// Sync 加载目录中的全部定义。单个文件失败不影响其他文件
func (l *Loader) Sync(ctx context.Context) Report {
	var r Report
	for _, path := range definitionFiles(filepath.Join(l.dir, providersDir)) {
		if err := l.syncProvider(ctx, path); err != nil {
			r.Errors = append(r.Errors, fmt.Errorf("%s: %w", path, err))
			continue
		}
		r.Providers++
	}
	for _, path := range definitionFiles(filepath.Join(l.dir, modelsDir)) {
		saved, err := l.syncModel(ctx, path)
		switch {
		case err != nil:
			r.Errors = append(r.Errors, fmt.Errorf("%s: %w", path, err))
		case saved:
			r.Models++
		default:
			r.Unchanged++
		}
	}

	fields := []zap.Field{
		zap.String("dir", l.dir),
		zap.Int("providers", r.Providers),
		zap.Int("models", r.Models),
		zap.Int("unchanged", r.Unchanged),
	}
	if len(r.Errors) > 0 {
		l.log.Warn("定义文件同步部分失败", append(fields, zap.Error(r.Err()))...)
	} else {
		l.log.Info("定义文件同步完成", fields...)
	}
	return r
}

func (l *Loader) syncProvider(ctx context.Context, path string) error {
	p, err := ReadProvider(path)
	if err != nil {
		return err
	}
	if existing, err := l.repo.GetProvider(ctx, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	return l.repo.SaveProvider(ctx, p)
}

// syncModel 已保存的版本不可修改，内容不同时报告冲突
func (l *Loader) syncModel(ctx context.Context, path string) (bool, error) {
	m, err := ReadModel(path)
	if err != nil {
		return false, err
	}
	existing, err := l.repo.GetModel(ctx, m.ID, m.Version)
	switch {
	case err == nil:
		if sameSteps(existing, m) {
			return false, nil
		}
		return false, fmt.Errorf("步骤模型 %s v%d 已存在且内容不同，请增加版本号: %w", m.ID, m.Version, storage.ErrConflict)
	case !errors.Is(err, storage.ErrNotFound):
		return false, err
	}
	m.CreatedAt = l.now()
	if err := l.repo.SaveModel(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

func sameSteps(a, b *step.Model) bool {
	ja, errA := json.Marshal(a.Steps)
	jb, errB := json.Marshal(b.Steps)
	return errA == nil && errB == nil && string(ja) == string(jb) &&
		cmp.Equal(a.Variables, b.Variables, cmpopts.EquateEmpty()) &&
		cmp.Equal(a.Output, b.Output, cmpopts.EquateEmpty())
}

// ReadProvider 读取并校验平台配置文件
func ReadProvider(path string) (*models.Provider, error) {
	var p models.Provider
	if err := readDocument(path, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = baseName(path)
	}
	if p.Category == "" {
		p.Category = models.CategoryOther
	}
	if err := normalizer.ValidateMapping(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReadModel 读取并校验步骤模型文件，文件中的版本号必须显式给出
func ReadModel(path string) (*step.Model, error) {
	var m step.Model
	if err := readDocument(path, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = baseName(path)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// readDocument 以 JSON5 解析文件并合并同名 .local 覆盖，再按 JSON 解码到 v
func readDocument(path string, v interface{}) error {
	base, err := readJSON5(path)
	if err != nil {
		return err
	}
	local, err := readJSON5(localPath(path))
	switch {
	case err == nil:
		if err := mergo.Merge(&base, local, mergo.WithOverride); err != nil {
			return rpaerr.WrapConfiguration(err, "合并 %s 失败", localPath(path))
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	// 经由标准 JSON 以使用各类型自己的解码逻辑
	data, err := json.Marshal(base)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return rpaerr.WrapConfiguration(err, "解析 %s 失败", path)
	}
	return nil
}

func readJSON5(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, rpaerr.WrapConfiguration(err, "解析 %s 失败", path)
	}
	return doc, nil
}

func splitExt(path string) (string, string) {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

func localPath(path string) string {
	stem, ext := splitExt(path)
	return stem + ".local" + ext
}

func baseName(path string) string {
	stem, _ := splitExt(filepath.Base(path))
	return stem
}

func isDefinition(path string) bool {
	stem, ext := splitExt(filepath.Base(path))
	if ext != ".json" && ext != ".json5" {
		return false
	}
	return !strings.HasSuffix(stem, ".local") && !strings.HasPrefix(stem, ".")
}

// definitionFiles 目录中的定义文件，按名称排序；目录不存在时为空
func definitionFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isDefinition(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}
