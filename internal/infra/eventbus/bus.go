// Package eventbus 是进度事件的内存扇出总线。
//
// Publish 从不阻塞：订阅者缓冲区满时该订阅者丢弃这条事件。
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/John-Robertt/songsync/internal/domain"
)

const defaultBuffer = 256

type Bus struct {
	mu      sync.Mutex
	subs    map[chan domain.Event]struct{}
	alive   bool
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[chan domain.Event]struct{}), alive: true}
}

var _ domain.Emitter = (*Bus)(nil)

// Emit 发布一条事件（满足 domain.Emitter）。
func (b *Bus) Emit(evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe 返回事件通道与取消函数。buffer<=0 时使用默认大小。
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	if !b.alive {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Dropped 返回因订阅者过慢被丢弃的事件数。
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close 关闭所有订阅通道；之后的 Emit 为空操作。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	b.alive = false
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
