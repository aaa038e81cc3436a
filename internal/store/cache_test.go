package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/room-sync/internal/errors"
)

func newCacheFixture(t *testing.T) (*CacheStore, *MemoryStore, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	backing := NewMemoryStore()
	return NewCacheStore(client, backing, "test", time.Minute, nil), backing, server
}

func TestCacheStore_Contract(t *testing.T) {
	cache, _, _ := newCacheFixture(t)
	storeContract(t, cache)
}

func TestCacheStore_WriteThrough(t *testing.T) {
	ctx := context.Background()
	cache, _, server := newCacheFixture(t)

	require.NoError(t, cache.Create(ctx, "R1", "one", json.RawMessage(`{"v":1}`)))
	cached, err := server.Get("test:room:R1:state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, cached)

	require.NoError(t, cache.Update(ctx, "R1", json.RawMessage(`{"v":2}`)))
	assert.False(t, server.Exists("test:room:R1:state"), "更新后缓存失效")

	state, err := cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(state))
	cached, err = server.Get("test:room:R1:state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, cached)
	assert.Equal(t, time.Minute, server.TTL("test:room:R1:state"))
}

// pausingStore 在指定快照写入底层后暂停，用来制造交错的并发更新
type pausingStore struct {
	Store
	pauseOn string
	written chan struct{}
	resume  chan struct{}
}

func (p *pausingStore) Update(ctx context.Context, roomID string, state json.RawMessage) error {
	if err := p.Store.Update(ctx, roomID, state); err != nil {
		return err
	}
	if string(state) == p.pauseOn {
		close(p.written)
		<-p.resume
	}
	return nil
}

func TestCacheStore_InterleavedUpdatesServeLatest(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	backing := &pausingStore{
		Store:   NewMemoryStore(),
		pauseOn: `{"v":"A"}`,
		written: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	cache := NewCacheStore(client, backing, "test", time.Minute, nil)
	require.NoError(t, cache.Create(ctx, "R1", "one", json.RawMessage(`{"v":0}`)))

	// A先写入底层，B随后完整执行，最后A才完成缓存处理
	doneA := make(chan error, 1)
	go func() { doneA <- cache.Update(ctx, "R1", json.RawMessage(`{"v":"A"}`)) }()
	<-backing.written
	require.NoError(t, cache.Update(ctx, "R1", json.RawMessage(`{"v":"B"}`)))
	close(backing.resume)
	require.NoError(t, <-doneA)

	state, err := cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"B"}`, string(state))
}

func TestCacheStore_ReadThroughFillsCache(t *testing.T) {
	ctx := context.Background()
	cache, backing, server := newCacheFixture(t)

	// 直接写入底层存储，缓存为空
	require.NoError(t, backing.Create(ctx, "R1", "one", json.RawMessage(`{"v":1}`)))
	assert.False(t, server.Exists("test:room:R1:state"))

	state, err := cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(state))
	assert.True(t, server.Exists("test:room:R1:state"))

	// 命中缓存时不回源
	require.NoError(t, backing.Update(ctx, "R1", json.RawMessage(`{"v":9}`)))
	state, err = cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(state))

	cache.Invalidate(ctx, "R1")
	state, err = cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":9}`, string(state))
}

func TestCacheStore_ExpiredEntryFallsBack(t *testing.T) {
	ctx := context.Background()
	cache, backing, server := newCacheFixture(t)

	require.NoError(t, cache.Create(ctx, "R1", "one", json.RawMessage(`{"v":1}`)))
	require.NoError(t, backing.Update(ctx, "R1", json.RawMessage(`{"v":2}`)))

	server.FastForward(2 * time.Minute)

	state, err := cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(state))
}

func TestCacheStore_RedisDownIsNotFatal(t *testing.T) {
	ctx := context.Background()
	cache, _, server := newCacheFixture(t)
	server.Close()

	require.NoError(t, cache.Create(ctx, "R1", "one", json.RawMessage(`{"v":1}`)))
	require.NoError(t, cache.Update(ctx, "R1", json.RawMessage(`{"v":2}`)))

	state, err := cache.Load(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(state))

	_, err = cache.Load(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrRoomNotFound))
}
