// Package noop 提供单节点模式使用的空消息总线
package noop

import (
	"context"
	"sync"

	"github.com/chenxilol/wscast/pkg/bus"
)

// NoopBus 丢弃所有发布的消息。订阅返回的channel永远不会收到数据，
// 只在ctx取消、取消订阅或总线关闭时被关闭。
type NoopBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string]chan []byte
}

func New() *NoopBus {
	return &NoopBus{subs: make(map[string]chan []byte)}
}

func (n *NoopBus) Publish(_ context.Context, topic string, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	return nil
}

func (n *NoopBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	n.closeLocked(topic)
	ch := make(chan []byte)
	n.subs[topic] = ch

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		if n.subs[topic] == ch {
			n.closeLocked(topic)
		}
		n.mu.Unlock()
	}()

	return ch, nil
}

func (n *NoopBus) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	n.closeLocked(topic)
	return nil
}

func (n *NoopBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for topic := range n.subs {
		n.closeLocked(topic)
	}
	return nil
}

// closeLocked 调用方需持有锁
func (n *NoopBus) closeLocked(topic string) {
	if ch, ok := n.subs[topic]; ok {
		close(ch)
		delete(n.subs, topic)
	}
}

var _ bus.MessageBus = (*NoopBus)(nil)
