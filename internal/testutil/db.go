// Package testutil 测试用的公共夹具，只被 _test.go 文件引用。
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB 创建迁移好的内存SQLite数据库，测试结束时自动关闭
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接都是独立的库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Room{}))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}
