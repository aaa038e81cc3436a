package channel

import (
	"context"
	"sync"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
)

// MemoryBroker 进程内的房间广播中心（用于测试和单进程部署）
//
// 事件在调用方goroutine中同步投递，单个发送者的顺序得以保持。
type MemoryBroker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*memoryChannel
}

// NewMemoryBroker 创建进程内广播中心
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		rooms: make(map[string]map[string]*memoryChannel),
	}
}

// Open 创建一个房间订阅
func (b *MemoryBroker) Open(roomID, key string) Channel {
	return &memoryChannel{broker: b, room: roomID, key: key}
}

// Members 房间内已发布在线状态的键
func (b *MemoryBroker) Members(roomID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.rooms[roomID]))
	for key, ch := range b.rooms[roomID] {
		if ch.tracked {
			keys = append(keys, key)
		}
	}
	return keys
}

// others 除自身外的订阅者
func (b *MemoryBroker) others(roomID, key string) []*memoryChannel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*memoryChannel, 0, len(b.rooms[roomID]))
	for k, ch := range b.rooms[roomID] {
		if k != key {
			out = append(out, ch)
		}
	}
	return out
}

type memoryChannel struct {
	broker *MemoryBroker
	room   string
	key    string

	// 以下字段受broker.mu保护
	handlers   Handlers
	subscribed bool
	closed     bool
	tracked    bool
	entry      protocol.PresenceEntry
}

// Subscribe 加入房间
func (c *memoryChannel) Subscribe(ctx context.Context, h Handlers) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return errors.New(errors.ErrChannelClosed, c.room)
	}
	if c.subscribed {
		return errors.New(errors.ErrChannelSubscribe, "重复订阅")
	}
	if _, exists := b.rooms[c.room][c.key]; exists {
		return errors.Newf(errors.ErrChannelSubscribe, "在线键已被占用: %s", c.key)
	}

	if b.rooms[c.room] == nil {
		b.rooms[c.room] = make(map[string]*memoryChannel)
	}
	b.rooms[c.room][c.key] = c
	c.handlers = h
	c.subscribed = true
	return nil
}

// Track 发布在线状态：自身收到全量同步，其他成员收到加入事件
func (c *memoryChannel) Track(ctx context.Context, entry protocol.PresenceEntry) error {
	b := c.broker
	b.mu.Lock()
	if !c.subscribed || c.closed {
		b.mu.Unlock()
		return errors.New(errors.ErrChannelClosed, "未订阅")
	}
	c.entry = entry
	c.tracked = true

	snapshot := make(map[string]protocol.PresenceEntry, len(b.rooms[c.room]))
	for key, ch := range b.rooms[c.room] {
		if ch.tracked {
			snapshot[key] = ch.entry
		}
	}
	self := c.handlers
	b.mu.Unlock()

	self.sync(snapshot)
	for _, other := range b.others(c.room, c.key) {
		other.handlersSnapshot().join(c.key, entry)
	}
	return nil
}

// Publish 广播给其他成员
func (c *memoryChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.broker.mu.RLock()
	ok := c.subscribed && !c.closed
	c.broker.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrChannelClosed, "未订阅")
	}

	for _, other := range c.broker.others(c.room, c.key) {
		data := make([]byte, len(payload))
		copy(data, payload)
		other.handlersSnapshot().message(topic, data)
	}
	return nil
}

// Unsubscribe 离开房间
func (c *memoryChannel) Unsubscribe(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	if c.closed || !c.subscribed {
		c.closed = true
		b.mu.Unlock()
		return nil
	}
	c.closed = true
	wasTracked := c.tracked
	delete(b.rooms[c.room], c.key)
	if len(b.rooms[c.room]) == 0 {
		delete(b.rooms, c.room)
	}
	b.mu.Unlock()

	if wasTracked {
		for _, other := range b.others(c.room, c.key) {
			other.handlersSnapshot().leave(c.key)
		}
	}
	return nil
}

func (c *memoryChannel) handlersSnapshot() Handlers {
	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	return c.handlers
}
