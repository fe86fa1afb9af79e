package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch 监视定义目录，文件变化平息 debounce 后重新同步，直到 ctx 结束。
// 每轮同步的结果发送到 reports（可为 nil）。
func (l *Loader) Watch(ctx context.Context, reports chan<- Report) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监视器失败: %w", err)
	}
	defer watcher.Close()

	for _, sub := range []string{providersDir, modelsDir} {
		dir := filepath.Join(l.dir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("监视目录 %s 失败: %w", dir, err)
		}
	}
	l.log.Info("开始监视定义文件", zap.String("dir", l.dir))

	timer := time.NewTimer(l.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinition(ev.Name) && !isLocalOverride(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.debounce)
			pending = true

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("文件监视错误", zap.Error(err))

		case <-timer.C:
			pending = false
			r := l.Sync(ctx)
			if reports != nil {
				select {
				case reports <- r:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func isLocalOverride(path string) bool {
	stem, ext := splitExt(filepath.Base(path))
	return (ext == ".json" || ext == ".json5") && filepath.Ext(stem) == ".local"
}
