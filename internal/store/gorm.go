package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/models"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/repository"
	"go.uber.org/zap"
)

// GormStore 基于关系数据库的存储
type GormStore struct {
	repo   repository.RoomRepository
	logger *zap.Logger
}

// NewGormStore 创建数据库存储
func NewGormStore(repo repository.RoomRepository, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{repo: repo, logger: logger}
}

// Create 插入房间记录
func (s *GormStore) Create(ctx context.Context, roomID, name string, state json.RawMessage) error {
	if !protocol.ValidSnapshot(state) {
		return errors.New(errors.ErrInvalidSnapshot, roomID)
	}

	start := time.Now()
	err := s.repo.Create(ctx, &models.Room{
		Code:  roomID,
		Name:  name,
		State: string(state),
	})
	s.logOperation("create", roomID, start, err)
	return err
}

// Load 读取快照
func (s *GormStore) Load(ctx context.Context, roomID string) (json.RawMessage, error) {
	room, err := s.repo.FindByCode(ctx, roomID)
	if err != nil {
		return nil, err
	}
	state := json.RawMessage(room.State)
	if !protocol.ValidSnapshot(state) {
		return nil, errors.Newf(errors.ErrInvalidSnapshot, "房间 %s 的存储快照已损坏", roomID)
	}
	return state, nil
}

// Update 覆盖快照
func (s *GormStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	if !protocol.ValidSnapshot(state) {
		return errors.New(errors.ErrInvalidSnapshot, roomID)
	}

	start := time.Now()
	err := s.repo.UpdateState(ctx, roomID, string(state))
	s.logOperation("update_state", roomID, start, err)
	return err
}

// UpdatePlayerCount 更新在线人数
func (s *GormStore) UpdatePlayerCount(ctx context.Context, roomID string, count int) error {
	start := time.Now()
	err := s.repo.UpdatePlayerCount(ctx, roomID, count)
	s.logOperation("update_player_count", roomID, start, err)
	return err
}

func (s *GormStore) logOperation(op, roomID string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("room", roomID),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("房间存储操作失败", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("房间存储操作", fields...)
}
