// Package protocol 定义房间同步的线上消息格式。
//
// 广播消息按主题区分为两类：action（玩家动作）与 state-sync（定向的完整快照）。
// 入站消息必须先经过 Decode 校验，会话层只处理校验后的具体类型。
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/wfunc/room-sync/internal/errors"
)

// 广播主题
const (
	TopicAction    = "action"
	TopicStateSync = "state-sync"
)

// PlayerInfo 在线玩家信息
type PlayerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	JoinedAt int64  `json:"joinedAt"` // 毫秒时间戳
}

// PresenceEntry 在线状态条目
type PresenceEntry struct {
	Player PlayerInfo `json:"player"`
}

// ActionInput 模拟层提交的动作（尚未盖戳）
type ActionInput struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message 已校验的入站消息：Action 或 StateSync
type Message interface {
	Topic() string
	isMessage()
}

// Action 玩家动作
type Action struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	PlayerID  string          `json:"playerId"`
}

// Topic 广播主题
func (Action) Topic() string { return TopicAction }
func (Action) isMessage()    {}

// StateSync 发给指定新成员的完整快照
type StateSync struct {
	State json.RawMessage `json:"state"`
	To    string          `json:"to"`
	From  string          `json:"from"`
}

// Topic 广播主题
func (StateSync) Topic() string { return TopicStateSync }
func (StateSync) isMessage()    {}

// Decode 按主题解码并校验入站消息
func Decode(topic string, payload []byte) (Message, error) {
	switch topic {
	case TopicAction:
		var a Action
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, errors.Wrap(err, errors.ErrMessageFormat, "action解码失败")
		}
		if a.Type == "" {
			return nil, errors.New(errors.ErrMessageFormat, "action缺少type")
		}
		if a.PlayerID == "" {
			return nil, errors.New(errors.ErrMessageFormat, "action缺少playerId")
		}
		return a, nil

	case TopicStateSync:
		var s StateSync
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, errors.Wrap(err, errors.ErrMessageFormat, "state-sync解码失败")
		}
		if s.To == "" || s.From == "" {
			return nil, errors.New(errors.ErrMessageFormat, "state-sync缺少to/from")
		}
		if !ValidSnapshot(s.State) {
			return nil, errors.New(errors.ErrInvalidSnapshot, "state-sync快照为空")
		}
		return s, nil

	default:
		return nil, errors.Newf(errors.ErrMessageFormat, "未知主题: %s", topic)
	}
}

// Encode 编码出站消息
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrMessageFormat, "消息编码失败")
	}
	return data, nil
}

// ValidSnapshot 快照必须是非null的合法JSON
func ValidSnapshot(state json.RawMessage) bool {
	trimmed := bytes.TrimSpace(state)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}
	return json.Valid(trimmed)
}
