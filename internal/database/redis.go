package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/errors"
)

// OpenRedis 按配置连接Redis并检查连通性
func OpenRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, errors.ErrRedisConnect, "连接Redis失败: %s", cfg.Addr)
	}
	return client, nil
}
