package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/database"
)

// =============================================================================
// 💾 GORM 存储
// =============================================================================

// insightRecord 五张洞察表共用的行结构, 通过 db.Table 选择表
type insightRecord struct {
	ID           string     `gorm:"column:id;primaryKey;size:36"`
	StudentID    string     `gorm:"column:student_id;size:64;not null"`
	SessionID    string     `gorm:"column:session_id;size:64;not null;default:''"`
	Module       string     `gorm:"column:module;size:16;not null"`
	Payload      string     `gorm:"column:payload;type:text;not null"`
	Compressed   bool       `gorm:"column:compressed;not null;default:false"`
	CompressedAt *time.Time `gorm:"column:compressed_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
}

// boardRecord memory_boards 表
type boardRecord struct {
	StudentID string `gorm:"column:student_id;primaryKey;size:64"`

	ReadingSummary      *string `gorm:"column:reading_summary;type:text"`
	ListeningSummary    *string `gorm:"column:listening_summary;type:text"`
	SpeakingSummary     *string `gorm:"column:speaking_summary;type:text"`
	WritingSummary      *string `gorm:"column:writing_summary;type:text"`
	ConversationSummary *string `gorm:"column:conversation_summary;type:text"`

	ReadingLastCompressedAt      *time.Time `gorm:"column:reading_last_compressed_at"`
	ListeningLastCompressedAt    *time.Time `gorm:"column:listening_last_compressed_at"`
	SpeakingLastCompressedAt     *time.Time `gorm:"column:speaking_last_compressed_at"`
	WritingLastCompressedAt      *time.Time `gorm:"column:writing_last_compressed_at"`
	ConversationLastCompressedAt *time.Time `gorm:"column:conversation_last_compressed_at"`

	OverallPatterns *string `gorm:"column:overall_patterns;type:text"`
	// 时间由调用方注入, 关闭 GORM 的自动填充
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (boardRecord) TableName() string { return "memory_boards" }

// columns 返回模块对应的摘要列与时间列
func (r *boardRecord) columns(m Module) (**string, **time.Time) {
	switch m {
	case ModuleReading:
		return &r.ReadingSummary, &r.ReadingLastCompressedAt
	case ModuleListening:
		return &r.ListeningSummary, &r.ListeningLastCompressedAt
	case ModuleSpeaking:
		return &r.SpeakingSummary, &r.SpeakingLastCompressedAt
	case ModuleWriting:
		return &r.WritingSummary, &r.WritingLastCompressedAt
	case ModuleConversation:
		return &r.ConversationSummary, &r.ConversationLastCompressedAt
	}
	return nil, nil
}

// counterRecord compression_counters 表
type counterRecord struct {
	StudentID string    `gorm:"column:student_id;primaryKey;size:64"`
	Module    string    `gorm:"column:module;primaryKey;size:16"`
	Count     int       `gorm:"column:count;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (counterRecord) TableName() string { return "compression_counters" }

// AutoMigrate 用 GORM 建表, 生产环境走 internal/migration
func AutoMigrate(db *gorm.DB) error {
	for _, m := range AllModules {
		if err := db.Table(m.InsightTable()).AutoMigrate(&insightRecord{}); err != nil {
			return fmt.Errorf("auto migrate %s: %w", m.InsightTable(), err)
		}
	}
	if err := db.AutoMigrate(&boardRecord{}, &counterRecord{}); err != nil {
		return fmt.Errorf("auto migrate memory tables: %w", err)
	}
	return nil
}

// GormStore 基于 GORM 的 Store 实现, 支持 postgres / mysql / sqlite
type GormStore struct {
	db         *gorm.DB
	logger     *zap.Logger
	maxRetries int
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:         db,
		logger:     logger.With(zap.String("component", "memory_store")),
		maxRetries: 3,
	}
}

func (s *GormStore) insights(ctx context.Context, m Module) *gorm.DB {
	return s.db.WithContext(ctx).Table(m.InsightTable())
}

// SaveInsight implements Store.
func (s *GormStore) SaveInsight(ctx context.Context, in *Insight) error {
	if !in.Module.Valid() {
		return fmt.Errorf("save insight: unknown module %q", in.Module)
	}
	payload, err := EncodePayload(in.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	rec := insightRecord{
		ID:         in.ID,
		StudentID:  in.StudentID,
		SessionID:  in.SessionID,
		Module:     string(in.Module),
		Payload:    string(payload),
		Compressed: in.Compressed,
		CreatedAt:  in.CreatedAt.UTC(),
	}
	if in.CompressedAt != nil {
		t := in.CompressedAt.UTC()
		rec.CompressedAt = &t
	}
	if err := s.insights(ctx, in.Module).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert %s insight: %w", in.Module, err)
	}
	return nil
}

// ListInsights implements Store.
func (s *GormStore) ListInsights(ctx context.Context, studentID string, m Module, q InsightQuery) ([]*Insight, error) {
	tx := s.insights(ctx, m).Where("student_id = ?", studentID)
	if q.OnlyUncompressed {
		tx = tx.Where("compressed = ?", false)
	}
	tx = tx.Order("created_at DESC").Order("id DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var recs []insightRecord
	if err := tx.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s insights: %w", m, err)
	}

	out := make([]*Insight, 0, len(recs))
	for i := range recs {
		in, err := recs[i].toInsight(m)
		if err != nil {
			// 历史脏数据跳过, 不影响其它记录
			s.logger.Warn("skipping undecodable insight",
				zap.String("module", string(m)),
				zap.String("id", recs[i].ID),
				zap.Error(err))
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func (r *insightRecord) toInsight(m Module) (*Insight, error) {
	p, err := DecodePayload(m, []byte(r.Payload))
	if err != nil {
		return nil, err
	}
	in := &Insight{
		ID:         r.ID,
		StudentID:  r.StudentID,
		SessionID:  r.SessionID,
		Module:     m,
		Payload:    p,
		Compressed: r.Compressed,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.CompressedAt != nil {
		t := r.CompressedAt.UTC()
		in.CompressedAt = &t
	}
	return in, nil
}

// CountInsights implements Store.
func (s *GormStore) CountInsights(ctx context.Context, studentID string, m Module, onlyUncompressed bool) (int64, error) {
	tx := s.insights(ctx, m).Where("student_id = ?", studentID)
	if onlyUncompressed {
		tx = tx.Where("compressed = ?", false)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s insights: %w", m, err)
	}
	return n, nil
}

// MarkCompressed implements Store.
func (s *GormStore) MarkCompressed(ctx context.Context, m Module, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.insights(ctx, m).
		Where("id IN ?", ids).
		Updates(map[string]any{"compressed": true, "compressed_at": at.UTC()}).Error
	if err != nil {
		return fmt.Errorf("mark %s insights compressed: %w", m, err)
	}
	return nil
}

// MarkSuperseded implements Store.
func (s *GormStore) MarkSuperseded(ctx context.Context, studentID string, m Module, oldestKeptID string, at time.Time) (int64, error) {
	var ids []string
	err := s.insights(ctx, m).
		Where("student_id = ? AND compressed = ?", studentID, false).
		Order("created_at DESC").Order("id DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list %s insight ids: %w", m, err)
	}

	var stale []string
	seen := false
	for _, id := range ids {
		if seen {
			stale = append(stale, id)
		} else if id == oldestKeptID {
			seen = true
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.MarkCompressed(ctx, m, stale, at); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}

// PruneCompressed implements Store.
func (s *GormStore) PruneCompressed(ctx context.Context, m Module, before time.Time) (int64, error) {
	res := s.insights(ctx, m).
		Where("compressed = ? AND compressed_at IS NOT NULL AND compressed_at < ?", true, before.UTC()).
		Delete(&insightRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune %s insights: %w", m, res.Error)
	}
	return res.RowsAffected, nil
}

// GetBoard implements Store.
func (s *GormStore) GetBoard(ctx context.Context, studentID string) (*MemoryBoard, error) {
	var rec boardRecord
	err := s.db.WithContext(ctx).Where("student_id = ?", studentID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBoardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load memory board: %w", err)
	}
	return rec.toBoard()
}

func (r *boardRecord) toBoard() (*MemoryBoard, error) {
	b := NewMemoryBoard(r.StudentID)
	for _, m := range AllModules {
		summary, at := r.columns(m)
		if *summary != nil && **summary != "" {
			b.Summaries[m] = json.RawMessage(**summary)
		}
		if *at != nil {
			b.LastCompressedAt[m] = (*at).UTC()
		}
	}
	if r.OverallPatterns != nil && *r.OverallPatterns != "" {
		if err := json.Unmarshal([]byte(*r.OverallPatterns), &b.OverallPatterns); err != nil {
			return nil, fmt.Errorf("decode overall_patterns: %w", err)
		}
	}
	b.CreatedAt = r.CreatedAt.UTC()
	b.UpdatedAt = r.UpdatedAt.UTC()
	return b, nil
}

// SaveModuleSummary implements Store.
func (s *GormStore) SaveModuleSummary(ctx context.Context, studentID string, m Module, summary json.RawMessage, at time.Time, recompute func(*MemoryBoard) OverallPatterns) (*MemoryBoard, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("save summary: unknown module %q", m)
	}
	at = at.UTC()
	var saved *MemoryBoard

	err := database.RetryTransaction(ctx, s.db, s.maxRetries, s.logger, func(tx *gorm.DB) error {
		var rec boardRecord
		err := tx.Where("student_id = ?", studentID).Take(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = boardRecord{StudentID: studentID, CreatedAt: at}
		case err != nil:
			return err
		}

		col, ts := rec.columns(m)
		text := string(summary)
		*col = &text
		stamp := at
		*ts = &stamp
		rec.UpdatedAt = at

		board, err := rec.toBoard()
		if err != nil {
			return err
		}
		if recompute != nil {
			board.OverallPatterns = recompute(board)
			raw, err := json.Marshal(board.OverallPatterns)
			if err != nil {
				return err
			}
			op := string(raw)
			rec.OverallPatterns = &op
		}

		// 首次写入与并发创建都落到同一行, 后写者覆盖
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}},
			UpdateAll: true,
		}).Create(&rec).Error; err != nil {
			return err
		}
		saved = board
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save %s summary: %w", m, err)
	}
	return saved, nil
}

// DeleteBoard implements Store.
func (s *GormStore) DeleteBoard(ctx context.Context, studentID string) error {
	if err := s.db.WithContext(ctx).Where("student_id = ?", studentID).Delete(&boardRecord{}).Error; err != nil {
		return fmt.Errorf("delete memory board: %w", err)
	}
	return nil
}

var _ Store = (*GormStore)(nil)
