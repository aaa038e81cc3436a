// Package channel 房间级别的在线状态与广播传输抽象。
//
// 一个 Channel 对应一个对等方在一个房间中的订阅：
// 在线状态（全量同步、增量加入、增量离开）与按主题广播。
// 广播不回送给发送者自身，不同发送者之间不保证顺序。
package channel

import (
	"context"

	"github.com/wfunc/room-sync/internal/protocol"
)

// Handlers 频道事件回调，未设置的回调会被忽略
type Handlers struct {
	// OnSync 全量在线状态快照（包含自身）
	OnSync func(presence map[string]protocol.PresenceEntry)
	// OnJoin 某个对等方开始或更新在线状态
	OnJoin func(key string, entry protocol.PresenceEntry)
	// OnLeave 某个对等方离开
	OnLeave func(key string)
	// OnMessage 其他对等方发布的广播
	OnMessage func(topic string, payload []byte)
}

func (h Handlers) sync(presence map[string]protocol.PresenceEntry) {
	if h.OnSync != nil {
		h.OnSync(presence)
	}
}

func (h Handlers) join(key string, entry protocol.PresenceEntry) {
	if h.OnJoin != nil {
		h.OnJoin(key, entry)
	}
}

func (h Handlers) leave(key string) {
	if h.OnLeave != nil {
		h.OnLeave(key)
	}
}

func (h Handlers) message(topic string, payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(topic, payload)
	}
}

// Channel 单个房间的订阅
type Channel interface {
	// Subscribe 开始接收事件，每个Channel只能订阅一次
	Subscribe(ctx context.Context, h Handlers) error
	// Track 发布自身在线状态，完成后会收到一次OnSync
	Track(ctx context.Context, entry protocol.PresenceEntry) error
	// Publish 向房间内其他成员广播
	Publish(ctx context.Context, topic string, payload []byte) error
	// Unsubscribe 离开房间并释放资源，可重复调用
	Unsubscribe(ctx context.Context) error
}

// Transport 按房间和在线键创建Channel
type Transport interface {
	Open(roomID, key string) Channel
}
