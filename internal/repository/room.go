package repository

import (
	"context"
	stderrors "errors"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomRepository 房间仓储接口
type RoomRepository interface {
	GetDB() *gorm.DB
	Create(ctx context.Context, room *models.Room) error
	FindByCode(ctx context.Context, code string) (*models.Room, error)
	UpdateState(ctx context.Context, code, state string) error
	UpdatePlayerCount(ctx context.Context, code string, count int) error
	List(ctx context.Context, pagination *Pagination) ([]*models.Room, error)
	Delete(ctx context.Context, code string) error
}

// roomRepo 房间仓储实现
type roomRepo struct {
	*BaseRepo
}

// NewRoomRepository 创建房间仓储
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 创建房间，房间号已存在时返回 ErrRoomExists
func (r *roomRepo) Create(ctx context.Context, room *models.Room) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(room)
	if result.Error != nil {
		return errors.Wrap(result.Error, errors.ErrDatabaseInsert, room.Code)
	}
	if result.RowsAffected == 0 {
		return errors.New(errors.ErrRoomExists, room.Code)
	}
	return nil
}

// FindByCode 根据房间号查找房间
func (r *roomRepo) FindByCode(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&room).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.ErrRoomNotFound, code)
		}
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, code)
	}
	return &room, nil
}

// UpdateState 覆盖房间快照
func (r *roomRepo) UpdateState(ctx context.Context, code, state string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("code = ?", code).
		Update("state", state)
	return r.checkUpdate(ctx, result, code)
}

// UpdatePlayerCount 更新在线人数
func (r *roomRepo) UpdatePlayerCount(ctx context.Context, code string, count int) error {
	result := r.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("code = ?", code).
		Update("player_count", count)
	return r.checkUpdate(ctx, result, code)
}

// checkUpdate 没有行被修改时区分“房间不存在”与“值未变化”
func (r *roomRepo) checkUpdate(ctx context.Context, result *gorm.DB, code string) error {
	if result.Error != nil {
		return errors.Wrap(result.Error, errors.ErrDatabaseUpdate, code)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Room{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery, code)
	}
	if count == 0 {
		return errors.New(errors.ErrRoomNotFound, code)
	}
	return nil
}

// List 按最近更新排序分页列出房间
func (r *roomRepo) List(ctx context.Context, pagination *Pagination) ([]*models.Room, error) {
	var rooms []*models.Room
	query := r.db.WithContext(ctx).Model(&models.Room{})

	if pagination != nil {
		if err := query.Count(&pagination.Total).Error; err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "统计房间失败")
		}
		query = query.Scopes(Paginate(pagination))
	}

	if err := query.Order("updated_at DESC").Find(&rooms).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "查询房间列表失败")
	}
	return rooms, nil
}

// Delete 软删除房间
func (r *roomRepo) Delete(ctx context.Context, code string) error {
	result := r.db.WithContext(ctx).Where("code = ?", code).Delete(&models.Room{})
	if result.Error != nil {
		return errors.Wrap(result.Error, errors.ErrDatabaseDelete, code)
	}
	if result.RowsAffected == 0 {
		return errors.New(errors.ErrRoomNotFound, code)
	}
	return nil
}
