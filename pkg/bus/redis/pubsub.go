package redis

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chenxilol/wscast/internal/metrics"
	"github.com/chenxilol/wscast/pkg/bus"

	"github.com/redis/go-redis/v9"
)

// Publish 通过PUBLISH命令发布消息
func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	// 没有订阅者不视为错误
	if err := r.client.Publish(publishCtx, r.formatKey(topic), data).Err(); err != nil {
		slog.Debug("redis publish failed", "topic", topic, "error", err)
		metrics.RecordBusPublishError(busName)
		return bus.ErrPublishFailed
	}
	return nil
}

// Subscribe 订阅频道。返回前已确认订阅成功，之后发布的消息都会被收到。
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		r.mu.Unlock()
		return nil, bus.ErrTopicEmpty
	}
	if cancel, ok := r.subs[topic]; ok {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.subs[topic] = cancel
	r.mu.Unlock()

	channel := r.formatKey(topic)
	pubsub := r.client.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		_ = pubsub.Close()
		cancel()
		r.mu.Lock()
		delete(r.subs, topic)
		r.mu.Unlock()
		metrics.RecordBusSubscribeError(busName)
		return nil, err
	}

	outCh := make(chan []byte, 100)
	go r.subscribeRoutine(subCtx, channel, pubsub, outCh)

	slog.Info("subscribed to redis channel", "channel", channel)
	return outCh, nil
}

// Unsubscribe 取消订阅，对应channel随后被关闭
func (r *RedisBus) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if r.closed {
		return nil
	}

	if cancel, ok := r.subs[topic]; ok {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}

// subscribeRoutine 转发消息，连接断开时重新订阅，直到ctx取消
func (r *RedisBus) subscribeRoutine(ctx context.Context, channel string, pubsub *redis.PubSub, outCh chan<- []byte) {
	defer close(outCh)

	var retryCount int
	for {
		if pubsub != nil {
			stop := r.forward(ctx, channel, pubsub.Channel(), outCh)
			_ = pubsub.Close()
			pubsub = nil
			if stop {
				return
			}
			slog.Info("redis subscription disconnected, reconnecting", "channel", channel)
			atomic.AddUint64(&r.reconnects, 1)
			metrics.RecordBusReconnect(busName)
		}

		if !sleepContext(ctx, r.cfg.RetryInterval) {
			return
		}

		ps := r.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			if ctx.Err() != nil {
				return
			}
			retryCount++
			slog.Warn("failed to resubscribe redis channel", "channel", channel, "retry", retryCount, "error", err)
			metrics.RecordBusSubscribeError(busName)
			continue
		}
		if retryCount > 0 {
			slog.Info("redis subscription recovered", "channel", channel, "after_retries", retryCount)
			retryCount = 0
		}
		pubsub = ps
	}
}

// forward 返回true表示ctx已结束
func (r *RedisBus) forward(ctx context.Context, channel string, msgCh <-chan *redis.Message, outCh chan<- []byte) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-msgCh:
			if !ok {
				return false
			}
			select {
			case outCh <- []byte(msg.Payload):
			case <-ctx.Done():
				return true
			case <-time.After(r.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "channel", channel)
				metrics.RecordBusSubscribeError(busName)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
