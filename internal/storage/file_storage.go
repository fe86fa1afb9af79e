package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// FileStorage 截图文件存储，按执行 id 分目录
type FileStorage struct {
	basePath string

	mu  sync.Mutex
	seq map[string]int
}

// NewFileStorage 创建文件存储
func NewFileStorage(basePath string) *FileStorage {
	return &FileStorage{basePath: basePath, seq: map[string]int{}}
}

// SaveScreenshot 保存 PNG 截图，返回相对引用（执行id/序号_名称.png）
func (f *FileStorage) SaveScreenshot(executionID, name string, png []byte) (string, error) {
	if executionID == "" {
		return "", fmt.Errorf("执行 id 不能为空")
	}
	dir := unsafeName.ReplaceAllString(executionID, "_")
	if err := os.MkdirAll(filepath.Join(f.basePath, dir), 0755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	f.mu.Lock()
	f.seq[dir]++
	n := f.seq[dir]
	f.mu.Unlock()

	label := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if label == "" {
		label = time.Now().Format("150405")
	}
	ref := dir + "/" + fmt.Sprintf("%03d_%s.png", n, label)

	if err := os.WriteFile(filepath.Join(f.basePath, filepath.FromSlash(ref)), png, 0644); err != nil {
		return "", fmt.Errorf("写入截图失败: %w", err)
	}
	return ref, nil
}

// ReadScreenshot 读取截图，拒绝越出存储目录的引用
func (f *FileStorage) ReadScreenshot(ref string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("无效的截图引用: %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(f.basePath, clean))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取截图失败: %w", err)
	}
	return data, nil
}
