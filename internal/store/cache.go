package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheStore 在底层存储之前加一层Redis快照缓存
//
// 读取时先查缓存，未命中再回源并回填；更新先写底层存储，成功后删除缓存，
// 由下一次读取回填，避免并发更新把旧快照写回缓存。
// 缓存的任何失败都只记录日志，不影响调用结果。
type CacheStore struct {
	client  redis.UniversalClient
	backing Store
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCacheStore 创建带缓存的存储
func NewCacheStore(client redis.UniversalClient, backing Store, prefix string, ttl time.Duration, logger *zap.Logger) *CacheStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "roomsync"
	}
	return &CacheStore{
		client:  client,
		backing: backing,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger,
	}
}

func (s *CacheStore) key(roomID string) string {
	return fmt.Sprintf("%s:room:%s:state", s.prefix, roomID)
}

// Create 创建房间并写入缓存
func (s *CacheStore) Create(ctx context.Context, roomID, name string, state json.RawMessage) error {
	if err := s.backing.Create(ctx, roomID, name, state); err != nil {
		return err
	}
	s.fill(ctx, roomID, state)
	return nil
}

// Load 优先从缓存读取
func (s *CacheStore) Load(ctx context.Context, roomID string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	switch {
	case err == nil:
		return json.RawMessage(data), nil
	case stderrors.Is(err, redis.Nil):
	default:
		s.logger.Warn("读取快照缓存失败，回源", zap.String("room", roomID), zap.Error(err))
	}

	state, err := s.backing.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, roomID, state)
	return state, nil
}

// Update 写底层存储，成功后删除缓存
func (s *CacheStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	if err := s.backing.Update(ctx, roomID, state); err != nil {
		return err
	}
	s.Invalidate(ctx, roomID)
	return nil
}

// UpdatePlayerCount 在线人数不缓存
func (s *CacheStore) UpdatePlayerCount(ctx context.Context, roomID string, count int) error {
	return s.backing.UpdatePlayerCount(ctx, roomID, count)
}

// Invalidate 删除缓存的快照
func (s *CacheStore) Invalidate(ctx context.Context, roomID string) {
	if err := s.client.Del(ctx, s.key(roomID)).Err(); err != nil {
		s.logger.Warn("删除快照缓存失败", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *CacheStore) fill(ctx context.Context, roomID string, state json.RawMessage) {
	if err := s.client.Set(ctx, s.key(roomID), []byte(state), s.ttl).Err(); err != nil {
		s.logger.Warn("写入快照缓存失败", zap.String("room", roomID), zap.Error(err))
	}
}
