package channel

import (
	"encoding/json"

	"github.com/wfunc/room-sync/internal/protocol"
)

// 帧操作类型（中继WebSocket与Redis事件通道共用）
const (
	// 客户端 -> 中继
	OpTrack   = "track"
	OpPublish = "publish"

	// 中继/Redis -> 客户端
	OpSync    = "sync"
	OpJoin    = "join"
	OpLeave   = "leave"
	OpMessage = "message"
	OpError   = "error"
)

// Frame 传输层帧
type Frame struct {
	Op       string                            `json:"op"`
	Key      string                            `json:"key,omitempty"`
	Entry    *protocol.PresenceEntry           `json:"entry,omitempty"`
	Presence map[string]protocol.PresenceEntry `json:"presence,omitempty"`
	Topic    string                            `json:"topic,omitempty"`
	Payload  json.RawMessage                   `json:"payload,omitempty"`
	From     string                            `json:"from,omitempty"`
	Error    string                            `json:"error,omitempty"`
}

// dispatch 把下行帧分发给回调，self为自身在线键
func (f *Frame) dispatch(self string, h Handlers) {
	switch f.Op {
	case OpSync:
		h.sync(f.Presence)
	case OpJoin:
		if f.Key != "" && f.Key != self && f.Entry != nil {
			h.join(f.Key, *f.Entry)
		}
	case OpLeave:
		if f.Key != "" && f.Key != self {
			h.leave(f.Key)
		}
	case OpMessage:
		if f.From != self {
			h.message(f.Topic, f.Payload)
		}
	}
}
