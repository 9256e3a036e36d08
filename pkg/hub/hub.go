// Package hub 管理已升级连接的注册表与广播通道
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/chenxilol/wscast/internal/metrics"
	"github.com/chenxilol/wscast/internal/utils"
	"github.com/chenxilol/wscast/pkg/bus"
)

var (
	ErrHubClosed = errors.New("hub closed")
)

// BroadcastTopic 集群总线上的广播主题
const BroadcastTopic = "broadcast"

// ConnectionID 连接标识，在Hub生命周期内单调递增且不复用
type ConnectionID uint64

func (id ConnectionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type Config struct {
	QueueCap   int           `mapstructure:"queue_cap" json:"queue_cap"`     // 每个订阅的队列长度
	BusTimeout time.Duration `mapstructure:"bus_timeout" json:"bus_timeout"` // 向总线发布的超时
}

func DefaultConfig() Config {
	return Config{
		QueueCap:   DefaultQueueCap,
		BusTimeout: 5 * time.Second,
	}
}

// Hub 连接注册表加广播通道。
// 锁只在增删连接和投递（非阻塞）期间持有，从不跨越网络I/O。
type Hub struct {
	mu     sync.RWMutex
	nextID ConnectionID
	subs   map[ConnectionID]*Subscription
	closed bool

	cfg    Config
	bus    bus.MessageBus
	nodeID string
	dedup  *MessageDeduplicator

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	busReady chan struct{}
}

// NewHub 创建Hub。messageBus为nil时只做本地广播。
func NewHub(messageBus bus.MessageBus, cfg Config) *Hub {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if cfg.BusTimeout <= 0 {
		cfg.BusTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		subs:     make(map[ConnectionID]*Subscription),
		cfg:      cfg,
		bus:      messageBus,
		nodeID:   generateNodeID(),
		dedup:    NewMessageDeduplicator(30 * time.Second),
		ctx:      ctx,
		cancel:   cancel,
		busReady: make(chan struct{}),
	}

	if messageBus != nil {
		h.wg.Add(1)
		go h.runBusSubscription()
	}

	slog.Info("Hub initialized", "node_id", h.nodeID, "queue_cap", cfg.QueueCap)
	return h
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%x", hostname, os.Getpid(), time.Now().UnixNano())
}

// NodeID 当前Hub实例的节点标识
func (h *Hub) NodeID() string {
	return h.nodeID
}

// AddConnection 分配新的连接ID并返回其订阅
func (h *Hub) AddConnection() (ConnectionID, *Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	sub := newSubscription(id, h.cfg.QueueCap)
	h.subs[id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	slog.Debug("connection registered", "conn_id", id, "total", total)
	return id, sub, nil
}

// RemoveConnection 移除连接并关闭其订阅，重复调用无副作用
func (h *Hub) RemoveConnection(id ConnectionID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		sub.close()
	}
	remaining := len(h.subs)
	h.mu.Unlock()

	if ok {
		slog.Debug("connection unregistered", "conn_id", id, "remaining", remaining)
	}
}

// Broadcast 向所有当前订阅者投递msg，返回本地投递的订阅数。
// msg 是已编码的帧，投递后不得再修改。
func (h *Hub) Broadcast(msg []byte) (int, error) {
	n, err := h.localBroadcast(msg)
	if err != nil {
		return 0, err
	}
	metrics.BroadcastPublished()

	if h.bus != nil {
		h.publishToBus(msg)
	}
	return n, nil
}

func (h *Hub) localBroadcast(msg []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrHubClosed
	}
	for _, sub := range h.subs {
		sub.push(msg)
	}
	return len(h.subs), nil
}

func (h *Hub) publishToBus(msg []byte) {
	env := bus.NewEnvelope(h.nodeID, msg)
	h.dedup.MarkProcessed(env.ID.String())

	data, err := env.Marshal()
	if err != nil {
		slog.Error("failed to marshal broadcast envelope", "error", err)
		metrics.RecordError()
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.BusTimeout)
	defer cancel()

	if err := h.bus.Publish(ctx, BroadcastTopic, data); err != nil {
		slog.Warn("failed to publish broadcast via bus", "error", err)
	}
}

// runBusSubscription 订阅集群广播，通道关闭后重新订阅，直到Hub关闭
func (h *Hub) runBusSubscription() {
	defer h.wg.Done()

	var once sync.Once
	for {
		var ch <-chan []byte
		err := utils.RetryWithBackoff(h.ctx, "bus_broadcast_subscribe", 5, time.Second, time.Minute, func() error {
			var err error
			ch, err = h.bus.Subscribe(h.ctx, BroadcastTopic)
			return err
		})
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			slog.Error("failed to subscribe to broadcast topic, cluster messages won't be received", "error", err)
			metrics.RecordCriticalError("failed_to_subscribe_broadcast")
			return
		}
		once.Do(func() { close(h.busReady) })

		for data := range ch {
			h.processBusMessage(data)
		}

		if h.ctx.Err() != nil {
			return
		}
		slog.Info("broadcast subscription closed, will attempt to resubscribe")
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (h *Hub) processBusMessage(data []byte) {
	env, err := bus.UnmarshalEnvelope(data)
	if err != nil {
		slog.Warn("ignoring malformed bus message", "error", err)
		metrics.RecordError()
		return
	}
	if env.Node == h.nodeID {
		return
	}

	msgID := env.ID.String()
	if h.dedup.IsDuplicate(msgID) {
		slog.Debug("ignoring duplicate bus message", "id", msgID)
		return
	}
	h.dedup.MarkProcessed(msgID)
	metrics.RecordBusLatency(env.Latency().Seconds())

	if n, err := h.localBroadcast(env.Payload); err == nil {
		slog.Debug("bus broadcast delivered", "id", msgID, "from", env.Node, "recipients", n)
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// IDs 当前所有连接ID，升序
func (h *Hub) IDs() []ConnectionID {
	h.mu.RLock()
	ids := make([]ConnectionID, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Close 关闭所有订阅并关闭消息总线
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	if h.bus != nil {
		return h.bus.Close()
	}
	return nil
}
