package database

import (
	"fmt"

	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/logger"
	"github.com/wfunc/room-sync/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationModels 需要迁移的模型
var migrationModels = []interface{}{
	&models.Room{},
}

// AutoMigrate 迁移全局数据库
func AutoMigrate() error {
	if DB == nil {
		return errors.New(errors.ErrDatabaseConnect, "数据库未初始化")
	}

	// 获取迁移锁，避免多个中继进程同时迁移同一个SQLite文件
	CleanupStaleLocks()
	if dbPath := sqlitePath(DB); dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return err
		}
		defer releaseMigrationLock(lockFile)
	}

	return Migrate(DB)
}

// Migrate 在指定连接上迁移表结构并创建索引
func Migrate(db *gorm.DB) error {
	logger.Info("开始数据库迁移...")

	for _, model := range migrationModels {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return errors.Wrapf(err, errors.ErrDatabaseQuery, "迁移 %T 失败", model)
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	createIndexes(db)

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建额外索引，失败只记录警告
func createIndexes(db *gorm.DB) {
	indexes := map[string]string{
		"idx_rooms_updated_at":   "CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at)",
		"idx_rooms_player_count": "CREATE INDEX IF NOT EXISTS idx_rooms_player_count ON rooms(player_count)",
	}
	for name, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", name), zap.Error(err))
		}
	}
}
