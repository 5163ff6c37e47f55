package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/database"
)

// =============================================================================
// 🔢 会话计数器
// =============================================================================

// Counter 记录每个学生每个模块自上次成功压缩以来写入的洞察数
type Counter interface {
	// Increment 原子加一并返回新值
	Increment(ctx context.Context, studentID string, m Module) (int, error)
	Get(ctx context.Context, studentID string, m Module) (int, error)
	// Consume 减去 n, 结果不低于 0, 返回新值
	Consume(ctx context.Context, studentID string, m Module, n int) (int, error)
}

// 计数器后端
const (
	CounterBackendDatabase = "database"
	CounterBackendRedis    = "redis"
)

// -----------------------------------------------------------------------------
// 数据库实现
// -----------------------------------------------------------------------------

// GormCounter 使用 compression_counters 表, 单条 upsert 保证原子性
type GormCounter struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormCounter 创建数据库计数器
func NewGormCounter(db *gorm.DB, logger *zap.Logger) *GormCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormCounter{
		db:     db,
		logger: logger.With(zap.String("component", "memory_counter")),
		now:    time.Now,
	}
}

// Increment implements Counter.
func (c *GormCounter) Increment(ctx context.Context, studentID string, m Module) (int, error) {
	var count int
	err := database.RetryTransaction(ctx, c.db, 3, c.logger, func(tx *gorm.DB) error {
		now := c.now().UTC()
		rec := counterRecord{StudentID: studentID, Module: string(m), Count: 1, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "student_id"}, {Name: "module"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr("compression_counters.count + 1"),
				"updated_at": now,
			}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}
		var got counterRecord
		err = tx.Where("student_id = ? AND module = ?", studentID, string(m)).Take(&got).Error
		if err != nil {
			return err
		}
		count = got.Count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return count, nil
}

// Get implements Counter.
func (c *GormCounter) Get(ctx context.Context, studentID string, m Module) (int, error) {
	var rec counterRecord
	err := c.db.WithContext(ctx).
		Where("student_id = ? AND module = ?", studentID, string(m)).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return rec.Count, nil
}

// Consume implements Counter.
func (c *GormCounter) Consume(ctx context.Context, studentID string, m Module, n int) (int, error) {
	if n <= 0 {
		return c.Get(ctx, studentID, m)
	}
	var count int
	err := database.RetryTransaction(ctx, c.db, 3, c.logger, func(tx *gorm.DB) error {
		err := tx.Model(&counterRecord{}).
			Where("student_id = ? AND module = ?", studentID, string(m)).
			Updates(map[string]any{
				"count":      gorm.Expr("CASE WHEN count > ? THEN count - ? ELSE 0 END", n, n),
				"updated_at": c.now().UTC(),
			}).Error
		if err != nil {
			return err
		}
		var rec counterRecord
		err = tx.Where("student_id = ? AND module = ?", studentID, string(m)).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		count = rec.Count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("consume counter: %w", err)
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Redis 实现
// -----------------------------------------------------------------------------

// consumeScript 扣减并在 0 处截断
var consumeScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if v > n then
  v = v - n
else
  v = 0
end
redis.call("SET", KEYS[1], v)
return v
`)

// RedisCounter 使用 INCR 与 Lua 脚本, 适合多实例部署
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter 创建 Redis 计数器, prefix 通常为 cache.Manager.Key("counter")
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(studentID string, m Module) string {
	return c.prefix + ":" + string(m) + ":" + studentID
}

// Increment implements Counter.
func (c *RedisCounter) Increment(ctx context.Context, studentID string, m Module) (int, error) {
	v, err := c.client.Incr(ctx, c.key(studentID, m)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return int(v), nil
}

// Get implements Counter.
func (c *RedisCounter) Get(ctx context.Context, studentID string, m Module) (int, error) {
	v, err := c.client.Get(ctx, c.key(studentID, m)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// Consume implements Counter.
func (c *RedisCounter) Consume(ctx context.Context, studentID string, m Module, n int) (int, error) {
	if n <= 0 {
		return c.Get(ctx, studentID, m)
	}
	v, err := consumeScript.Run(ctx, c.client, []string{c.key(studentID, m)}, n).Int()
	if err != nil {
		return 0, fmt.Errorf("redis consume: %w", err)
	}
	return v, nil
}

var (
	_ Counter = (*GormCounter)(nil)
	_ Counter = (*RedisCounter)(nil)
)
