// Package store 房间快照的持久化存储。
//
// 存储只提供按房间号的创建、读取与覆盖写入，不提供事务隔离，
// 写入延迟不受约束。
package store

import (
	"context"
	"encoding/json"
)

// Store 房间快照存储
type Store interface {
	// Create 创建房间并写入初始快照，房间号已存在时返回 ErrRoomExists
	Create(ctx context.Context, roomID, name string, state json.RawMessage) error
	// Load 读取最近一次写入的快照，房间不存在时返回 ErrRoomNotFound
	Load(ctx context.Context, roomID string) (json.RawMessage, error)
	// Update 覆盖快照
	Update(ctx context.Context, roomID string, state json.RawMessage) error
	// UpdatePlayerCount 更新在线人数
	UpdatePlayerCount(ctx context.Context, roomID string, count int) error
}

// cloneRaw 复制快照，避免调用方持有内部切片
func cloneRaw(state json.RawMessage) json.RawMessage {
	if state == nil {
		return nil
	}
	out := make(json.RawMessage, len(state))
	copy(out, state)
	return out
}
