// 配置文件变更监听器实现。
//
// 基于轮询检测配置文件修改时间，重新加载并校验后通知回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 在配置成功重载后被调用
type ReloadCallback func(oldCfg, newCfg *Config)

// Watcher 监听单个配置文件并在变化时重新加载.
// 重载失败(解析或校验错误)时保留旧配置.
type Watcher struct {
	path     string
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	lastMod   time.Time
	callbacks []ReloadCallback
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets the poll interval
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher 创建监听器. initial 为已加载的当前配置.
func NewWatcher(path string, loader *Loader, initial *Config, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		loader:   loader,
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
		current:  initial,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// OnReload registers a callback for successful reloads
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current 返回当前生效的配置
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run 轮询直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
			}
		}
	}
}

// Check 执行一次检测, 文件有变化且重载成功时返回 true.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat config: %w", err)
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return false, nil
	}
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	newCfg, err := w.loader.Load()
	if err != nil {
		return false, err
	}
	if err := newCfg.Validate(); err != nil {
		return false, err
	}

	w.mu.Lock()
	oldCfg := w.current
	w.current = newCfg
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	if RestartRequired(oldCfg, newCfg) {
		w.logger.Warn("config changed outside hot-reloadable fields, restart to apply")
	}
	w.logger.Info("config reloaded",
		zap.String("log_level", newCfg.Log.Level),
		zap.Int("context_items_per_module", newCfg.Memory.ContextItemsPerModule),
		zap.Int("context_max_tokens", newCfg.Memory.ContextMaxTokens),
	)

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return true, nil
}

// RestartRequired 判断两份配置在可热更新字段之外是否有差异.
// 可热更新字段: log.level, memory.context_items_per_module,
// memory.context_max_tokens, memory.fallback_top_n.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	a, b := *oldCfg, *newCfg
	for _, c := range []*Config{&a, &b} {
		c.Log.Level = ""
		c.Memory.ContextItemsPerModule = 0
		c.Memory.ContextMaxTokens = 0
		c.Memory.FallbackTopN = 0
	}
	return !reflect.DeepEqual(a, b)
}
