// Package nats 提供基于NATS核心发布订阅的消息总线实现
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/wscast/internal/metrics"
	"github.com/chenxilol/wscast/pkg/bus"

	"github.com/nats-io/nats.go"
)

const busName = "nats"

var ErrPublishTimeout = errors.New("publish timeout")

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls"`

	// 连接名称，用于标识客户端
	Name string `mapstructure:"name"`

	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`

	// 最大重连次数，-1表示无限重连
	MaxReconnects int `mapstructure:"max_reconnects"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// 发布超时，以及向订阅channel投递的最长等待
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 主题前缀
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "wscast",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      500 * time.Millisecond,
		SubjectPrefix:  "wscast.",
	}
}

type NatsBus struct {
	conn       *nats.Conn
	cfg        Config
	mu         sync.RWMutex
	closed     bool
	subs       map[string]*subscription
	reconnects uint64
}

type subscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func New(cfg Config) (*NatsBus, error) {
	nb := &NatsBus{
		cfg:  cfg,
		subs: make(map[string]*subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			atomic.AddUint64(&nb.reconnects, 1)
			metrics.RecordBusReconnect(busName)
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	// 多个URL时客户端会自动选择可用的服务器
	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	nb.conn = nc

	slog.Info("connected to nats", "urls", cfg.URLs)
	return nb, nil
}

func (n *NatsBus) subject(topic string) string {
	return n.cfg.SubjectPrefix + topic
}

// GetReconnectCount 获取重连次数
func (n *NatsBus) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&n.reconnects)
}

func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	publishCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.conn.Publish(n.subject(topic), data)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			metrics.RecordBusPublishError(busName)
			return bus.ErrPublishFailed
		}
		return nil
	case <-publishCtx.Done():
		metrics.RecordBusPublishError(busName)
		return ErrPublishTimeout
	}
}

// Subscribe 订阅主题。返回前订阅已在服务器端生效。
func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}
	if old, ok := n.subs[topic]; ok {
		old.cancel()
		delete(n.subs, topic)
	}

	msgCh := make(chan *nats.Msg, 100)
	sub, err := n.conn.ChanSubscribe(n.subject(topic), msgCh)
	if err != nil {
		metrics.RecordBusSubscribeError(busName)
		return nil, err
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		metrics.RecordBusSubscribeError(busName)
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	n.subs[topic] = &subscription{sub: sub, cancel: cancel}

	outCh := make(chan []byte, 100)
	go n.forward(subCtx, topic, sub, msgCh, outCh)

	slog.Info("subscribed to nats subject", "subject", n.subject(topic))
	return outCh, nil
}

// forward 把nats消息转发到outCh，ctx结束时退订并关闭outCh
func (n *NatsBus) forward(ctx context.Context, topic string, sub *nats.Subscription, msgCh <-chan *nats.Msg, outCh chan<- []byte) {
	defer close(outCh)
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgCh:
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)

			select {
			case outCh <- data:
			case <-ctx.Done():
				return
			case <-time.After(n.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "topic", topic)
				metrics.RecordBusSubscribeError(busName)
			}
		}
	}
}

func (n *NatsBus) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if n.closed {
		return nil
	}

	if s, ok := n.subs[topic]; ok {
		s.cancel()
		delete(n.subs, topic)
	}
	return nil
}

func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, s := range n.subs {
		s.cancel()
		delete(n.subs, topic)
	}
	n.conn.Close()
	return nil
}

var _ bus.MessageBus = (*NatsBus)(nil)
