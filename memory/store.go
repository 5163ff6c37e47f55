package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrBoardNotFound 学生尚无看板
var ErrBoardNotFound = errors.New("memory board not found")

// Store 原始洞察与记忆看板的持久化接口
type Store interface {
	// SaveInsight 写入一条原始洞察
	SaveInsight(ctx context.Context, in *Insight) error
	// ListInsights 按 created_at、id 倒序返回
	ListInsights(ctx context.Context, studentID string, m Module, q InsightQuery) ([]*Insight, error)
	CountInsights(ctx context.Context, studentID string, m Module, onlyUncompressed bool) (int64, error)
	// MarkCompressed 将给定洞察标记为已压缩
	MarkCompressed(ctx context.Context, m Module, ids []string, at time.Time) error
	// MarkSuperseded 将排序上位于 oldestKeptID 之后的未压缩洞察标记为已压缩
	MarkSuperseded(ctx context.Context, studentID string, m Module, oldestKeptID string, at time.Time) (int64, error)
	// PruneCompressed 删除 before 之前压缩的洞察, 未压缩的永不删除
	PruneCompressed(ctx context.Context, m Module, before time.Time) (int64, error)

	// GetBoard 不存在时返回 ErrBoardNotFound
	GetBoard(ctx context.Context, studentID string) (*MemoryBoard, error)
	// SaveModuleSummary 在一个事务内读取看板, 合并模块摘要, 重算跨模块模式并写回
	SaveModuleSummary(ctx context.Context, studentID string, m Module, summary json.RawMessage, at time.Time, recompute func(*MemoryBoard) OverallPatterns) (*MemoryBoard, error)
	DeleteBoard(ctx context.Context, studentID string) error
}
