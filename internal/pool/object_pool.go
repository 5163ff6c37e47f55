package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a typed wrapper over sync.Pool with a reset hook.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	news atomic.Int64
}

// NewPool creates a new object pool.
func NewPool[T any](newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// HitRate returns the share of Get calls served without allocating.
func (p *Pool[T]) HitRate() float64 {
	gets := p.gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(gets-p.news.Load()) / float64(gets)
}

// maxPooledBuffer 超过该容量的缓冲区不回收
const maxPooledBuffer = 64 << 10

// ByteBufferPool provides pooled byte buffers for rendering prompt text.
var ByteBufferPool = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 2048))
	},
	func(b *bytes.Buffer) {
		if b.Cap() > maxPooledBuffer {
			*b = *bytes.NewBuffer(make([]byte, 0, 2048))
			return
		}
		b.Reset()
	},
)
