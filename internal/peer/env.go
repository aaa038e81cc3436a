// Package peer 组装命令行对等端：按配置选择频道传输与存储，并提供交互式控制台。
package peer

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wfunc/room-sync/internal/channel"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/database"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/relay"
	"github.com/wfunc/room-sync/internal/repository"
	"github.com/wfunc/room-sync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Env 对等端运行环境
type Env struct {
	Transport channel.Transport
	Store     store.Store

	redis  *redis.Client
	db     *gorm.DB
	logger *zap.Logger
}

// Build 按配置创建传输与存储。
//
// memory 传输只在进程内可见，搭配内存存储；redis 与 relay 传输使用数据库存储，
// 开启 redis.enabled 时在数据库前加一层快照缓存。
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Env, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := &Env{logger: logger}

	if cfg.Sync.Transport == "memory" {
		env.Transport = channel.NewMemoryBroker()
		env.Store = store.NewMemoryStore()
		return env, nil
	}

	if cfg.Redis.Enabled || cfg.Sync.Transport == "redis" {
		client, err := database.OpenRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		env.redis = client
	}

	switch cfg.Sync.Transport {
	case "redis":
		env.Transport = channel.NewRedisTransport(env.redis, cfg.Redis.KeyPrefix, logger.Named("channel")).
			WithPresenceTTL(cfg.Redis.PresenceTTL)
	case "relay":
		tickets := relay.NewTicketManager(cfg.Security.JWT)
		var token channel.TokenFunc
		if tickets.Enabled() {
			token = tickets.Issue
		}
		env.Transport = channel.NewRelayTransport(channel.RelayOptions{
			BaseURL:      cfg.Sync.RelayURL,
			WriteTimeout: cfg.Sync.WriteTimeout,
			Token:        token,
			Logger:       logger.Named("channel"),
		})
	default:
		env.Close()
		return nil, errors.Newf(errors.ErrConfigValidate, "不支持的同步传输方式: %s", cfg.Sync.Transport)
	}

	db, err := database.Open(&cfg.Database, logger.Named("database"))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.db = db
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			env.Close()
			return nil, err
		}
	}

	var st store.Store = store.NewGormStore(repository.NewRoomRepository(db), logger.Named("store"))
	if cfg.Redis.Enabled {
		st = store.NewCacheStore(env.redis, st, cfg.Redis.KeyPrefix, cfg.Redis.CacheTTL, logger.Named("store"))
	}
	env.Store = st
	return env, nil
}

// Close 释放数据库与Redis连接
func (e *Env) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("关闭Redis失败", zap.Error(err))
		}
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// LoadState 解析初始快照参数：存在同名文件时读取文件，否则按JSON文本处理
func LoadState(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, err = os.ReadFile(arg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidParam, arg)
		}
	}
	if !protocol.ValidSnapshot(data) {
		return nil, errors.New(errors.ErrInvalidSnapshot, "初始快照必须是非null的JSON")
	}
	return json.RawMessage(data), nil
}

// NewRoomCode 生成房间号
func NewRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
