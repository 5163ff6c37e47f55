package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCompressedRetention = 90 * 24 * time.Hour
	DefaultJanitorInterval     = 6 * time.Hour
)

// Janitor 按保留策略删除过期的已压缩洞察
type Janitor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewJanitor 创建清理器
func NewJanitor(store Store, retention, interval time.Duration, metrics Metrics, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if retention <= 0 {
		retention = DefaultCompressedRetention
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "memory_janitor")),
		now:       time.Now,
	}
}

// RunOnce 清理所有模块, 单个模块失败不影响其它模块
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	var total int64
	var firstErr error
	for _, m := range AllModules {
		n, err := j.store.PruneCompressed(ctx, m, cutoff)
		if err != nil {
			j.logger.Error("prune failed", zap.String("module", string(m)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		j.metrics.RecordInsightsPruned(total)
		j.logger.Info("compressed insights pruned", zap.Int64("deleted", total), zap.Time("cutoff", cutoff))
	}
	return total, firstErr
}

// Run 周期执行直到 ctx 结束
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}
