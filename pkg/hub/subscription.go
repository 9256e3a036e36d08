package hub

import (
	"sync"
	"sync/atomic"

	"github.com/chenxilol/wscast/internal/metrics"
)

// DefaultQueueCap 每个订阅的默认队列长度
const DefaultQueueCap = 100

// Subscription 一个连接对广播通道的订阅。
// 队列有界，满时丢弃最旧的未读消息，发布方不会被阻塞。
type Subscription struct {
	id      ConnectionID
	ch      chan []byte
	mu      sync.Mutex // 串行化同一订阅上的push
	dropped atomic.Uint64
}

func newSubscription(id ConnectionID, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &Subscription{id: id, ch: make(chan []byte, capacity)}
}

// ID 订阅所属的连接
func (s *Subscription) ID() ConnectionID {
	return s.id
}

// C 返回消息通道，连接被移除或Hub关闭后通道关闭。
// 收到的切片在多个订阅间共享，不得修改。
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Dropped 因队列满而丢弃的消息数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// push 调用方需持有Hub的读锁，保证通道未被关闭
func (s *Subscription) push(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.ch <- msg:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.MessageDropped()
		default:
		}
	}
}

// close 调用方需持有Hub的写锁
func (s *Subscription) close() {
	s.mu.Lock()
	close(s.ch)
	s.mu.Unlock()
}
