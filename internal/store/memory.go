package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
)

// Record 内存存储中的房间记录
type Record struct {
	Name        string
	State       json.RawMessage
	PlayerCount int
	Writes      int
}

// MemoryStore 内存存储（用于测试和单进程演示）
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Record
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*Record),
	}
}

// Create 创建房间
func (s *MemoryStore) Create(ctx context.Context, roomID, name string, state json.RawMessage) error {
	if !protocol.ValidSnapshot(state) {
		return errors.New(errors.ErrInvalidSnapshot, roomID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[roomID]; exists {
		return errors.New(errors.ErrRoomExists, roomID)
	}
	s.rooms[roomID] = &Record{Name: name, State: cloneRaw(state)}
	return nil
}

// Load 读取快照
func (s *MemoryStore) Load(ctx context.Context, roomID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.rooms[roomID]
	if !exists {
		return nil, errors.New(errors.ErrRoomNotFound, roomID)
	}
	return cloneRaw(rec.State), nil
}

// Update 覆盖快照
func (s *MemoryStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	if !protocol.ValidSnapshot(state) {
		return errors.New(errors.ErrInvalidSnapshot, roomID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.rooms[roomID]
	if !exists {
		return errors.New(errors.ErrRoomNotFound, roomID)
	}
	rec.State = cloneRaw(state)
	rec.Writes++
	return nil
}

// UpdatePlayerCount 更新在线人数
func (s *MemoryStore) UpdatePlayerCount(ctx context.Context, roomID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.rooms[roomID]
	if !exists {
		return errors.New(errors.ErrRoomNotFound, roomID)
	}
	rec.PlayerCount = count
	return nil
}

// Get 读取房间记录副本
func (s *MemoryStore) Get(roomID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.rooms[roomID]
	if !exists {
		return Record{}, false
	}
	out := *rec
	out.State = cloneRaw(rec.State)
	return out, true
}
