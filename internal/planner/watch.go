package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// watching 在目录监听注册完成后调用。
var watching = func(path string) {}

// WatchRules 监听规则文件，内容变化后重新加载并替换自定义规则。
// 加载失败时保留当前规则。阻塞直到 ctx 结束。
func (p *Planner) WatchRules(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("解析规则文件路径失败: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	// 监听所在目录，编辑器以重命名方式保存时文件本身的监听会失效。
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("监听规则目录失败: %w", err)
	}
	watching(absPath)

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			rules, err := LoadRules(absPath)
			if err != nil {
				p.logger.Warn("规则文件重新加载失败，沿用当前规则", "path", absPath, "error", err)
				continue
			}
			p.SetRules(rules)
			p.logger.Info("规则文件已重新加载", "path", absPath, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("规则文件监听出错", "error", err)
		}
	}
}
