package memory

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 🗣️ 练习会话
// =============================================================================

const (
	DefaultSessionTTL           = 30 * time.Minute
	DefaultSessionSweepInterval = time.Minute
	// maxSessionTurns 单个会话保留的对话轮数, 统计不受影响
	maxSessionTurns = 200
)

// Turn 一轮对话
type Turn struct {
	Role llm.Role  `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session 进行中的练习会话快照
type Session struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"student_id"`
	Module        Module    `json:"module"`
	Topic         string    `json:"topic,omitempty"`
	Turns         []Turn    `json:"turns"`
	TotalMessages int       `json:"total_messages"`
	TotalWords    int       `json:"total_words"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

// SessionStoreConfig 会话存储配置
type SessionStoreConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// SessionStore 进程内会话存储, 空闲超过 TTL 的会话被淘汰
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg     SessionStoreConfig
	now     func() time.Time
	newID   func() string
	metrics Metrics
	logger  *zap.Logger
}

// NewSessionStore 创建会话存储
func NewSessionStore(cfg SessionStoreConfig, metrics Metrics, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSessionSweepInterval
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "session_store")),
	}
}

func sessionNotFound(id string) error {
	return types.NewError(types.ErrSessionNotFound, "session not found: "+id).
		WithHTTPStatus(http.StatusNotFound)
}

// Start 开始一个会话
func (s *SessionStore) Start(studentID string, m Module, topic string) (*Session, error) {
	if !m.Valid() {
		return nil, types.NewInvalidModuleError(string(m))
	}
	if strings.TrimSpace(studentID) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "student_id is required").WithHTTPStatus(http.StatusBadRequest)
	}
	now := s.now()
	sess := &Session{
		ID:           s.newID(),
		StudentID:    studentID,
		Module:       m,
		Topic:        strings.TrimSpace(topic),
		Turns:        []Turn{},
		StartedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	return sess.clone(), nil
}

// lookup 取出未过期的会话, 过期的顺带删除。调用方持有锁。
func (s *SessionStore) lookup(id string, now time.Time) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.LastActivity) > s.cfg.TTL {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}

// AddTurn 追加一轮对话并更新统计, 学生发言计入词数
func (s *SessionStore) AddTurn(id string, role llm.Role, text string) (*Session, error) {
	switch role {
	case llm.RoleUser, llm.RoleAssistant:
	default:
		return nil, types.NewError(types.ErrInvalidRequest, "role must be user or assistant").WithHTTPStatus(http.StatusBadRequest)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(id, now)
	if !ok {
		return nil, sessionNotFound(id)
	}
	sess.Turns = append(sess.Turns, Turn{Role: role, Text: text, At: now})
	if len(sess.Turns) > maxSessionTurns {
		sess.Turns = append([]Turn(nil), sess.Turns[len(sess.Turns)-maxSessionTurns:]...)
	}
	sess.TotalMessages++
	if role == llm.RoleUser {
		sess.TotalWords += len(strings.Fields(text))
	}
	sess.LastActivity = now
	return sess.clone(), nil
}

// Get 返回会话快照
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(id, s.now())
	if !ok {
		return nil, sessionNotFound(id)
	}
	return sess.clone(), nil
}

// End 结束会话并返回最终快照
func (s *SessionStore) End(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.lookup(id, s.now())
	if ok {
		delete(s.sessions, id)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	if !ok {
		return nil, sessionNotFound(id)
	}
	return sess, nil
}

// Len 当前会话数
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep 淘汰空闲超过 TTL 的会话, 返回淘汰数
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	evicted := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.cfg.TTL {
			delete(s.sessions, id)
			evicted++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	if evicted > 0 {
		s.metrics.RecordSessionsEvicted(evicted)
		s.logger.Debug("idle sessions evicted", zap.Int("evicted", evicted), zap.Int("active", n))
	}
	return evicted
}

// Run 按间隔清扫, 直到 ctx 结束
func (s *SessionStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
