package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "relay", cfg.Sync.Transport)
	assert.Equal(t, 3*time.Second, cfg.Sync.StateSaveInterval)
	assert.Equal(t, 5*time.Second, cfg.Sync.PlayerCountInterval)
	assert.Equal(t, 150*time.Millisecond, cfg.Sync.StateSyncJitter)
	assert.Equal(t, 200*time.Millisecond, cfg.Sync.PlayersDebounce)
	assert.Equal(t, "roomsync", cfg.Redis.KeyPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sync.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.StateSaveInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.Transport = "redis"
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.StateSyncJitter = -time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestInitFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
sync:
  transport: redis
  state_save_interval: 1500ms
redis:
  addr: "127.0.0.1:6380"
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	require.NoError(t, Init(path))
	cfg := Get()
	require.NotNil(t, cfg)

	assert.Equal(t, "redis", cfg.Sync.Transport)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.StateSaveInterval)
	assert.Equal(t, "127.0.0.1:6380", cfg.Redis.Addr)
	// 未设置的项保留默认值
	assert.Equal(t, 200*time.Millisecond, cfg.Sync.PlayersDebounce)
	assert.Equal(t, "1500ms", GetString("sync.state_save_interval"))
	assert.True(t, IsSet("redis.addr"))
}
