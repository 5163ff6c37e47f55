package memory

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/testutil"
)

// stepClock 每次调用前进一秒, 保证写入时间严格递增
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(time.Second)
	return t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqIDs 生成按字典序递增的 ID
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%06d", s.n)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := testutil.NewTestDB(t)
	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewGormStore(db, zaptest.NewLogger(t)), db
}

func mustPayload(t *testing.T, m Module, raw string) Payload {
	t.Helper()
	p, err := DecodePayload(m, []byte(raw))
	require.NoError(t, err)
	return p
}

// seedInsights 直接写入存储, 不经过计数器
func seedInsights(t *testing.T, store Store, clock *stepClock, ids *seqIDs, studentID string, m Module, raws ...string) []*Insight {
	t.Helper()
	out := make([]*Insight, 0, len(raws))
	for _, raw := range raws {
		in := &Insight{
			ID:        ids.Next(),
			StudentID: studentID,
			Module:    m,
			Payload:   mustPayload(t, m, raw),
			CreatedAt: clock.Now(),
		}
		require.NoError(t, store.SaveInsight(testutil.TestContext(t), in))
		out = append(out, in)
	}
	return out
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// recordingMetrics 记录压缩结果与触发次数
type recordingMetrics struct {
	nopMetrics
	mu           sync.Mutex
	compressions map[string]int
	triggers     map[string]int
	mismatches   map[string]int
	pruned       int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		compressions: map[string]int{},
		triggers:     map[string]int{},
		mismatches:   map[string]int{},
	}
}

func (r *recordingMetrics) RecordCompression(module, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressions[module+"/"+outcome]++
}

func (r *recordingMetrics) RecordCompressionTrigger(module, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[module+"/"+result]++
}

func (r *recordingMetrics) RecordSchemaMismatch(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches[module]++
}

func (r *recordingMetrics) RecordInsightsPruned(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned += n
}

func (r *recordingMetrics) compressionCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compressions[key]
}

func (r *recordingMetrics) triggerCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggers[key]
}
