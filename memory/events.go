package memory

import (
	"sync"
	"time"
)

// =============================================================================
// 📣 压缩事件
// =============================================================================

// EventType 事件类型
type EventType string

const (
	EventCompressionCompleted EventType = "compression.completed"
	EventCompressionDegraded  EventType = "compression.degraded"
)

// Event 推送给订阅者的压缩事件
type Event struct {
	Type               EventType `json:"type"`
	StudentID          string    `json:"student_id"`
	Module             Module    `json:"module"`
	Degraded           bool      `json:"degraded"`
	InsightsCompressed int       `json:"insights_compressed"`
	At                 time.Time `json:"at"`
}

// eventBuffer 每个订阅者的缓冲, 满了直接丢弃
const eventBuffer = 16

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Broker 按学生分发事件, 发布不阻塞
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewBroker 创建事件分发器
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe 订阅学生的事件, 调用 cancel 取消订阅并关闭通道
func (b *Broker) Subscribe(studentID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, eventBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	if b.subs[studentID] == nil {
		b.subs[studentID] = make(map[*subscriber]struct{})
	}
	b.subs[studentID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[studentID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, studentID)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish 投递事件, 返回实际送达的订阅者数
func (b *Broker) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for sub := range b.subs[ev.StudentID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers 学生当前的订阅数
func (b *Broker) Subscribers(studentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[studentID])
}

// Close 关闭所有订阅
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.close()
		}
	}
	b.subs = nil
}
