package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/config"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/pool"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/tokenizer"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 🧠 记忆管线服务
// =============================================================================

// DefaultCompressionThreshold 触发压缩的洞察数
const DefaultCompressionThreshold = 5

// Config 服务配置
type Config struct {
	Threshold             int
	Compressor            CompressorConfig
	Assembler             AssemblerConfig
	ContextItemsPerModule int
	ContextMaxTokens      int
	Sessions              SessionStoreConfig
	CompressedRetention   time.Duration
	JanitorInterval       time.Duration
	Workers               int
	QueueSize             int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:             DefaultCompressionThreshold,
		Compressor:            DefaultCompressorConfig(),
		Assembler:             AssemblerConfig{Window: 20, FallbackTopN: DefaultFallbackTopN},
		ContextItemsPerModule: DefaultContextItemsPerModule,
		ContextMaxTokens:      DefaultContextMaxTokens,
		Sessions:              SessionStoreConfig{TTL: DefaultSessionTTL, SweepInterval: DefaultSessionSweepInterval},
		CompressedRetention:   DefaultCompressedRetention,
		JanitorInterval:       DefaultJanitorInterval,
		Workers:               4,
		QueueSize:             256,
	}
}

// ConfigFrom 从配置文件的 memory 与 llm 段构造服务配置
func ConfigFrom(mem config.MemoryConfig, llmCfg config.LLMConfig) Config {
	cfg := DefaultConfig()
	cfg.Threshold = mem.CompressionThreshold
	cfg.Compressor = CompressorConfig{
		Window:       mem.CompressionWindow,
		MaxItems:     DefaultMaxItems,
		Timeout:      mem.CompressionTimeout,
		Retries:      mem.CompressionRetries,
		RetryBackoff: mem.RetryBackoff,
		Model:        llmCfg.Model,
		Temperature:  float32(llmCfg.Temperature),
		MaxTokens:    llmCfg.MaxTokens,
	}
	cfg.Assembler = AssemblerConfig{Window: mem.CompressionWindow, FallbackTopN: mem.FallbackTopN}
	cfg.ContextItemsPerModule = mem.ContextItemsPerModule
	cfg.ContextMaxTokens = mem.ContextMaxTokens
	cfg.Sessions = SessionStoreConfig{TTL: mem.SessionTTL, SweepInterval: mem.SessionSweepInterval}
	cfg.CompressedRetention = mem.CompressedRetention
	cfg.JanitorInterval = mem.JanitorInterval
	cfg.Workers = mem.Workers
	cfg.QueueSize = mem.QueueSize
	return cfg
}

// BoardCache 看板读缓存, internal/cache.Manager 实现了该接口
type BoardCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Option 服务选项
type Option func(*Service)

// WithProvider 设置压缩用的 LLM Provider
func WithProvider(p llm.Provider) Option {
	return func(s *Service) { s.provider = p }
}

// WithBoardCache 启用看板读缓存
func WithBoardCache(c BoardCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithPool 使用外部 goroutine 池执行后台压缩
func WithPool(p *pool.GoroutinePool) Option {
	return func(s *Service) { s.pool = p }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator 注入 ID 生成器
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(s *Service) { s.tokenizer = t }
}

// Service 记忆管线入口: 写入洞察, 触发后台压缩, 读取看板与上下文
type Service struct {
	store   Store
	counter Counter
	cfg     Config

	provider  llm.Provider
	tokenizer tokenizer.Tokenizer
	cache     BoardCache
	cacheTTL  time.Duration
	pool      *pool.GoroutinePool
	ownsPool  bool
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	compressor *Compressor
	assembler  *Assembler
	retriever  *Retriever
	sessions   *SessionStore
	broker     *Broker
	janitor    *Janitor

	threshold atomic.Int64
	inflight  sync.Map
	flights   singleflight.Group

	bgCancel  context.CancelFunc
	bgWG      sync.WaitGroup
	closeOnce sync.Once
}

// NewService 创建服务
func NewService(store Store, counter Counter, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:   store,
		counter: counter,
		cfg:     cfg,
		metrics: nopMetrics{},
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "memory_service"))
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCompressionThreshold
	}
	s.threshold.Store(int64(cfg.Threshold))

	if s.pool == nil {
		s.pool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
			Workers:     cfg.Workers,
			QueueSize:   cfg.QueueSize,
			TaskTimeout: 2 * time.Minute,
		}, s.logger)
		s.ownsPool = true
	}
	if s.tokenizer == nil {
		s.tokenizer = tokenizer.ForModel(cfg.Compressor.Model, s.logger)
	}

	s.assembler = NewAssembler(store, cfg.Assembler, s.metrics, s.logger)
	s.assembler.now = s.now
	s.compressor = NewCompressor(store, counter, s.assembler, s.provider, cfg.Compressor, s.metrics, s.logger)
	s.compressor.now = s.now
	s.retriever = NewRetriever(s, s.assembler, s.tokenizer, s.metrics, s.logger)
	s.retriever.UpdateLimits(cfg.ContextItemsPerModule, cfg.ContextMaxTokens)
	s.sessions = NewSessionStore(cfg.Sessions, s.metrics, s.logger)
	s.sessions.now = s.now
	s.sessions.newID = s.newID
	s.broker = NewBroker()
	s.janitor = NewJanitor(store, cfg.CompressedRetention, cfg.JanitorInterval, s.metrics, s.logger)
	s.janitor.now = s.now
	s.cfg = cfg
	return s
}

// Threshold 当前的压缩阈值
func (s *Service) Threshold() int { return int(s.threshold.Load()) }

// ApplyConfig 热更新阈值与上下文上限, 其它字段需要重启
func (s *Service) ApplyConfig(mem config.MemoryConfig) {
	if mem.CompressionThreshold > 0 {
		s.threshold.Store(int64(mem.CompressionThreshold))
	}
	s.retriever.UpdateLimits(mem.ContextItemsPerModule, mem.ContextMaxTokens)
	s.logger.Info("memory config applied",
		zap.Int("threshold", s.Threshold()),
		zap.Int("context_items_per_module", mem.ContextItemsPerModule),
		zap.Int("context_max_tokens", mem.ContextMaxTokens))
}

// Sessions 返回会话存储
func (s *Service) Sessions() *SessionStore { return s.sessions }

// Janitor 返回保留策略清理器
func (s *Service) Janitor() *Janitor { return s.janitor }

// -----------------------------------------------------------------------------
// 写入
// -----------------------------------------------------------------------------

func invalidRequest(msg string) error {
	return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
}

// RecordInsight 保存一条洞察并计数, 达到阈值时提交后台压缩。
// 计数、调度与压缩的失败只记录日志, 不影响写入结果。
func (s *Service) RecordInsight(ctx context.Context, studentID string, m Module, payload Payload, sessionID string) (*Insight, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	if strings.TrimSpace(studentID) == "" {
		return nil, invalidRequest("student_id is required")
	}
	if payload == nil {
		return nil, types.NewInvalidPayloadError(string(m), errors.New("payload is required"))
	}
	if payload.Module() != m {
		return nil, types.NewInvalidModuleError(string(payload.Module()))
	}
	if err := payload.validate(); err != nil {
		return nil, types.NewInvalidPayloadError(string(m), err)
	}

	in := &Insight{
		ID:        s.newID(),
		StudentID: studentID,
		SessionID: sessionID,
		Module:    m,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.SaveInsight(ctx, in); err != nil {
		return nil, types.NewInternalError("failed to save insight", err)
	}
	s.metrics.RecordInsight(string(m))
	s.invalidateBoard(ctx, studentID)

	count, err := s.counter.Increment(ctx, studentID, m)
	if err != nil {
		s.logger.Error("compression counter increment failed",
			zap.String("student_id", studentID),
			zap.String("module", string(m)),
			zap.Error(err))
		return in, nil
	}
	if count >= s.Threshold() {
		s.scheduleCompression(studentID, m)
	}
	return in, nil
}

// RecordInsightJSON 解析模块标签与原始载荷后写入
func (s *Service) RecordInsightJSON(ctx context.Context, studentID, module string, payload json.RawMessage, sessionID string) (*Insight, error) {
	m, err := ParseModule(module)
	if err != nil {
		return nil, err
	}
	p, err := DecodePayload(m, payload)
	if err != nil {
		return nil, err
	}
	return s.RecordInsight(ctx, studentID, m, p, sessionID)
}

func flightKey(studentID string, m Module) string {
	return studentID + "/" + string(m)
}

// scheduleCompression 同一学生模块同时最多一个后台任务
func (s *Service) scheduleCompression(studentID string, m Module) bool {
	key := flightKey(studentID, m)
	if _, loaded := s.inflight.LoadOrStore(key, struct{}{}); loaded {
		s.metrics.RecordCompressionTrigger(string(m), triggerInFlight)
		return false
	}
	err := s.pool.Submit(func(ctx context.Context) error {
		defer s.inflight.Delete(key)
		_, err := s.compress(ctx, studentID, m)
		return err
	})
	if err != nil {
		s.inflight.Delete(key)
		s.metrics.RecordCompressionTrigger(string(m), triggerRejected)
		s.logger.Warn("background compression not scheduled",
			zap.String("student_id", studentID),
			zap.String("module", string(m)),
			zap.Error(err))
		return false
	}
	s.metrics.RecordCompressionTrigger(string(m), triggerScheduled)
	return true
}

// Compress 手动触发压缩, 与进行中的后台压缩合并
func (s *Service) Compress(ctx context.Context, studentID string, m Module) (*CompressionResult, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	res, err := s.compress(ctx, studentID, m)
	if err != nil {
		return nil, types.NewInternalError("compression failed", err)
	}
	return res, nil
}

func (s *Service) compress(ctx context.Context, studentID string, m Module) (*CompressionResult, error) {
	v, err, _ := s.flights.Do(flightKey(studentID, m), func() (any, error) {
		res, err := s.compressor.Compress(ctx, studentID, m)
		if err != nil {
			return nil, err
		}
		if !res.NoData {
			s.invalidateBoard(ctx, studentID)
			ev := Event{
				Type:               EventCompressionCompleted,
				StudentID:          studentID,
				Module:             m,
				Degraded:           res.Degraded,
				InsightsCompressed: res.InsightsCompressed,
				At:                 s.now().UTC(),
			}
			if res.Degraded {
				ev.Type = EventCompressionDegraded
			}
			s.broker.Publish(ev)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompressionResult), nil
}

// -----------------------------------------------------------------------------
// 读取
// -----------------------------------------------------------------------------

func (s *Service) boardKey(studentID string) string {
	return s.cache.Key("board", studentID)
}

func (s *Service) invalidateBoard(ctx context.Context, studentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.boardKey(studentID)); err != nil {
		s.logger.Warn("board cache invalidation failed", zap.String("student_id", studentID), zap.Error(err))
	}
}

// GetBoard 返回学生的记忆看板, 启用缓存时先读缓存
func (s *Service) GetBoard(ctx context.Context, studentID string) (*MemoryBoard, error) {
	if s.cache != nil {
		var cached MemoryBoard
		if err := s.cache.GetJSON(ctx, s.boardKey(studentID), &cached); err == nil {
			return &cached, nil
		}
	}
	board, err := s.assembler.GetBoard(ctx, studentID)
	if err != nil {
		return nil, types.NewInternalError("failed to load memory board", err)
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, s.boardKey(studentID), board, s.cacheTTL); err != nil {
			s.logger.Debug("board cache write failed", zap.String("student_id", studentID), zap.Error(err))
		}
	}
	return board, nil
}

// ModuleMemory 看板中单个模块的切片
type ModuleMemory struct {
	StudentID        string          `json:"student_id"`
	Module           Module          `json:"module"`
	Summary          json.RawMessage `json:"summary"`
	LastCompressedAt *time.Time      `json:"last_compressed_at,omitempty"`
	Synthesized      bool            `json:"synthesized"`
	PendingInsights  int64           `json:"pending_insights"`
	// 距下次自动压缩还差的洞察数
	SessionsUntilCompression int `json:"sessions_until_compression"`
}

// GetModuleMemory 返回单个模块的记忆
func (s *Service) GetModuleMemory(ctx context.Context, studentID string, m Module) (*ModuleMemory, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	board, err := s.GetBoard(ctx, studentID)
	if err != nil {
		return nil, err
	}
	out := &ModuleMemory{StudentID: studentID, Module: m, Synthesized: board.IsSynthesized(m)}
	if raw, ok := board.Summary(m); ok {
		out.Summary = raw
	}
	if at, ok := board.LastCompressedAt[m]; ok && !at.IsZero() {
		out.LastCompressedAt = &at
	}
	pending, err := s.store.CountInsights(ctx, studentID, m, true)
	if err != nil {
		return nil, types.NewInternalError("failed to count insights", err)
	}
	out.PendingInsights = pending
	count, err := s.counter.Get(ctx, studentID, m)
	if err != nil {
		s.logger.Warn("compression counter read failed", zap.String("student_id", studentID), zap.Error(err))
	}
	out.SessionsUntilCompression = max(s.Threshold()-count, 0)
	return out, nil
}

// ListInsights 返回最近的原始洞察
func (s *Service) ListInsights(ctx context.Context, studentID string, m Module, limit int) ([]*Insight, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	out, err := s.store.ListInsights(ctx, studentID, m, InsightQuery{Limit: limit})
	if err != nil {
		return nil, types.NewInternalError("failed to list insights", err)
	}
	return out, nil
}

// BuildMemoryContext 返回注入提示词用的记忆上下文, 无记忆时为空串
func (s *Service) BuildMemoryContext(ctx context.Context, studentID string) string {
	return s.retriever.BuildMemoryContext(ctx, studentID)
}

// BuildTutorMessages 组装带记忆的辅导消息
func (s *Service) BuildTutorMessages(ctx context.Context, studentID, systemPrompt string, history []llm.Message) []llm.Message {
	return s.retriever.BuildTutorMessages(ctx, studentID, systemPrompt, history)
}

// AdaptiveFocus 返回阅读出题重点
func (s *Service) AdaptiveFocus(ctx context.Context, studentID string) *QuestionFocus {
	return s.retriever.AdaptiveFocus(ctx, studentID)
}

// Subscribe 订阅学生的压缩事件
func (s *Service) Subscribe(studentID string) (<-chan Event, func()) {
	return s.broker.Subscribe(studentID)
}

// Subscribers 学生当前的事件订阅数
func (s *Service) Subscribers(studentID string) int {
	return s.broker.Subscribers(studentID)
}

// -----------------------------------------------------------------------------
// 会话
// -----------------------------------------------------------------------------

// StartSession 开始练习会话
func (s *Service) StartSession(studentID string, m Module, topic string) (*Session, error) {
	return s.sessions.Start(studentID, m, topic)
}

// AddTurn 追加一轮对话
func (s *Service) AddTurn(sessionID string, role llm.Role, text string) (*Session, error) {
	return s.sessions.AddTurn(sessionID, role, text)
}

// GetSession 返回会话快照
func (s *Service) GetSession(sessionID string) (*Session, error) {
	return s.sessions.Get(sessionID)
}

// EndSession 结束会话; 携带载荷时写入一条带会话 ID 的洞察。
// 对话会话未填写的消息数与词数用会话统计补齐。
func (s *Service) EndSession(ctx context.Context, sessionID string, payload json.RawMessage) (*Session, *Insight, error) {
	snap, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	var p Payload
	if len(strings.TrimSpace(string(payload))) > 0 && strings.TrimSpace(string(payload)) != "null" {
		if p, err = DecodePayload(snap.Module, payload); err != nil {
			return nil, nil, err
		}
	}

	sess, err := s.sessions.End(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return sess, nil, nil
	}
	if conv, ok := p.(*ConversationPayload); ok {
		if conv.TotalMessages == 0 {
			conv.TotalMessages = sess.TotalMessages
		}
		if conv.TotalWords == 0 {
			conv.TotalWords = sess.TotalWords
		}
		if conv.Topic == "" {
			conv.Topic = sess.Topic
		}
	}
	in, err := s.RecordInsight(ctx, sess.StudentID, sess.Module, p, sess.ID)
	if err != nil {
		return sess, nil, err
	}
	return sess, in, nil
}

// -----------------------------------------------------------------------------
// 生命周期
// -----------------------------------------------------------------------------

// Start 启动保留策略清理与会话清扫
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel
	s.bgWG.Add(2)
	go func() {
		defer s.bgWG.Done()
		s.janitor.Run(ctx)
	}()
	go func() {
		defer s.bgWG.Done()
		s.sessions.Run(ctx)
	}()
	s.logger.Info("memory service started",
		zap.Int("threshold", s.Threshold()),
		zap.Bool("llm", s.provider != nil))
}

// Close 停止后台任务并等待进行中的压缩结束
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.bgCancel != nil {
			s.bgCancel()
		}
		s.bgWG.Wait()
		if s.ownsPool {
			err = s.pool.Close(ctx)
		}
		s.broker.Close()
	})
	return err
}
