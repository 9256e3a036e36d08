package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// MessageDeduplicator 记录已处理的总线消息ID，过期后清理
type MessageDeduplicator struct {
	cache       sync.Map // key=消息ID, value=time.Time
	processed   uint64
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	ttl         time.Duration
}

func NewMessageDeduplicator(ttl time.Duration) *MessageDeduplicator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MessageDeduplicator{
		ttl:         ttl,
		lastCleanup: time.Now(),
	}
}

// IsDuplicate 检查消息是否已处理且未过期
func (d *MessageDeduplicator) IsDuplicate(msgID string) bool {
	v, ok := d.cache.Load(msgID)
	if !ok {
		return false
	}
	return time.Since(v.(time.Time)) <= d.ttl
}

// MarkProcessed 标记消息已处理，每100条尝试清理一次
func (d *MessageDeduplicator) MarkProcessed(msgID string) {
	d.cache.Store(msgID, time.Now())

	if atomic.AddUint64(&d.processed, 1)%100 == 0 {
		d.cleanExpired(time.Minute)
	}
}

// cleanExpired 距上次清理不足minInterval时跳过
func (d *MessageDeduplicator) cleanExpired(minInterval time.Duration) {
	if !d.cleanupMu.TryLock() {
		return
	}
	defer d.cleanupMu.Unlock()

	now := time.Now()
	if now.Sub(d.lastCleanup) < minInterval {
		return
	}
	d.lastCleanup = now

	d.cache.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > d.ttl {
			d.cache.Delete(key)
		}
		return true
	})
}

// Len 当前缓存的条目数
func (d *MessageDeduplicator) Len() int {
	n := 0
	d.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
