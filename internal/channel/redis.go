package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// DefaultPresenceTTL 在线心跳的默认有效期
const DefaultPresenceTTL = 15 * time.Second

// RedisTransport 基于Redis发布订阅的传输
//
// 在线状态保存在哈希 {prefix}:room:{id}:presence 中，
// 每个成员另有带过期时间的心跳键 {prefix}:room:{id}:alive:{key}，
// 心跳过期的成员视为已离线。加入、离开和广播通过频道 {prefix}:room:{id}:events 分发。
type RedisTransport struct {
	client      redis.UniversalClient
	prefix      string
	presenceTTL time.Duration
	logger      *zap.Logger
}

// NewRedisTransport 创建Redis传输
func NewRedisTransport(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "roomsync"
	}
	return &RedisTransport{client: client, prefix: prefix, presenceTTL: DefaultPresenceTTL, logger: logger}
}

// WithPresenceTTL 设置心跳有效期，心跳间隔为其三分之一
func (t *RedisTransport) WithPresenceTTL(ttl time.Duration) *RedisTransport {
	if ttl > 0 {
		t.presenceTTL = ttl
	}
	return t
}

// Open 创建一个房间订阅
func (t *RedisTransport) Open(roomID, key string) Channel {
	return &redisChannel{
		client:      t.client,
		room:        roomID,
		key:         key,
		presenceKey: fmt.Sprintf("%s:room:%s:presence", t.prefix, roomID),
		aliveKey:    fmt.Sprintf("%s:room:%s:alive:", t.prefix, roomID),
		eventsKey:   fmt.Sprintf("%s:room:%s:events", t.prefix, roomID),
		ttl:         t.presenceTTL,
		logger:      t.logger.With(zap.String("room", roomID), zap.String("key", key)),
	}
}

type redisChannel struct {
	client      redis.UniversalClient
	room        string
	key         string
	presenceKey string
	aliveKey    string
	eventsKey   string
	ttl         time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	handlers Handlers
	pubsub   *redis.PubSub
	tracked  bool
	entry    []byte
	closed   bool
	done     chan struct{}
	stopBeat chan struct{}
	beatDone chan struct{}
}

// Subscribe 订阅房间事件频道
func (c *redisChannel) Subscribe(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(errors.ErrChannelClosed, c.room)
	}
	if c.pubsub != nil {
		return errors.New(errors.ErrChannelSubscribe, "重复订阅")
	}

	ps := c.client.Subscribe(ctx, c.eventsKey)
	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrap(err, errors.ErrChannelSubscribe, c.eventsKey)
	}

	c.handlers = h
	c.pubsub = ps
	c.done = make(chan struct{})
	go c.loop(ps.Channel(), h, c.done)
	return nil
}

// loop 读取事件频道直到订阅关闭
func (c *redisChannel) loop(ch <-chan *redis.Message, h Handlers, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var f Frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			c.logger.Warn("丢弃无法解析的事件", zap.Error(err))
			continue
		}
		f.dispatch(c.key, h)
	}
}

// Track 写入在线哈希与心跳键并通知其他成员，然后把全量快照交给自身
func (c *redisChannel) Track(ctx context.Context, entry protocol.PresenceEntry) error {
	c.mu.Lock()
	if c.closed || c.pubsub == nil {
		c.mu.Unlock()
		return errors.New(errors.ErrChannelClosed, "未订阅")
	}
	h := c.handlers
	c.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat, "在线状态编码失败")
	}
	if err := c.client.Set(ctx, c.aliveKey+c.key, 1, c.ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrChannelPublish, "写入心跳失败")
	}
	if err := c.client.HSet(ctx, c.presenceKey, c.key, data).Err(); err != nil {
		return errors.Wrap(err, errors.ErrChannelPublish, "写入在线状态失败")
	}

	c.mu.Lock()
	c.tracked = true
	c.entry = data
	if c.stopBeat == nil && !c.closed {
		c.stopBeat = make(chan struct{})
		c.beatDone = make(chan struct{})
		go c.heartbeat(c.stopBeat, c.beatDone)
	}
	c.mu.Unlock()

	if err := c.publishFrame(ctx, Frame{Op: OpJoin, Key: c.key, Entry: &entry}); err != nil {
		return err
	}

	presence, err := c.snapshot(ctx)
	if err != nil {
		return err
	}
	h.sync(presence)
	return nil
}

// heartbeat 定期续期自身心跳，并清理心跳已过期的成员
func (c *redisChannel) heartbeat(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
			c.beat(ctx)
			if _, err := c.snapshot(ctx); err != nil {
				c.logger.Warn("清理过期在线成员失败", zap.Error(err))
			}
			cancel()
		}
	}
}

// beat 续期心跳；自身条目已被其他成员清理时重新写入并广播加入
func (c *redisChannel) beat(ctx context.Context) {
	c.mu.Lock()
	data := c.entry
	c.mu.Unlock()

	if err := c.client.Set(ctx, c.aliveKey+c.key, 1, c.ttl).Err(); err != nil {
		c.logger.Warn("续期心跳失败", zap.Error(err))
		return
	}
	added, err := c.client.HSet(ctx, c.presenceKey, c.key, data).Result()
	if err != nil {
		c.logger.Warn("写入在线状态失败", zap.Error(err))
		return
	}
	if added == 0 {
		return
	}
	var entry protocol.PresenceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return
	}
	c.logger.Info("在线条目已被清理，重新加入")
	if err := c.publishFrame(ctx, Frame{Op: OpJoin, Key: c.key, Entry: &entry}); err != nil {
		c.logger.Warn("广播加入失败", zap.Error(err))
	}
}

// snapshot 读取房间全量在线状态，心跳已过期的成员从哈希中删除并广播离开
func (c *redisChannel) snapshot(ctx context.Context) (map[string]protocol.PresenceEntry, error) {
	raw, err := c.client.HGetAll(ctx, c.presenceKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrChannelSubscribe, "读取在线状态失败")
	}

	keys := make([]string, 0, len(raw))
	pipe := c.client.Pipeline()
	alive := make([]*redis.IntCmd, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
		alive = append(alive, pipe.Exists(ctx, c.aliveKey+key))
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrChannelSubscribe, "读取心跳失败")
		}
	}

	presence := make(map[string]protocol.PresenceEntry, len(raw))
	for i, key := range keys {
		if alive[i].Val() == 0 && key != c.key {
			c.expire(ctx, key)
			continue
		}
		var entry protocol.PresenceEntry
		if err := json.Unmarshal([]byte(raw[key]), &entry); err != nil {
			c.logger.Warn("忽略损坏的在线条目", zap.String("member", key), zap.Error(err))
			continue
		}
		presence[key] = entry
	}
	return presence, nil
}

// expire 删除心跳过期的成员，只有真正删除条目的一方广播离开
func (c *redisChannel) expire(ctx context.Context, key string) {
	removed, err := c.client.HDel(ctx, c.presenceKey, key).Result()
	if err != nil {
		c.logger.Warn("删除过期在线条目失败", zap.String("member", key), zap.Error(err))
		return
	}
	if removed == 0 {
		return
	}
	c.logger.Info("成员心跳过期", zap.String("member", key))
	if err := c.publishFrame(ctx, Frame{Op: OpLeave, Key: key}); err != nil {
		c.logger.Warn("广播离开失败", zap.String("member", key), zap.Error(err))
	}
}

// Publish 广播消息
func (c *redisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	ok := !c.closed && c.pubsub != nil
	c.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrChannelClosed, "未订阅")
	}
	return c.publishFrame(ctx, Frame{Op: OpMessage, Topic: topic, Payload: payload, From: c.key})
}

func (c *redisChannel) publishFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat, "帧编码失败")
	}
	if err := c.client.Publish(ctx, c.eventsKey, data).Err(); err != nil {
		return errors.Wrap(err, errors.ErrChannelPublish, c.eventsKey)
	}
	return nil
}

// Unsubscribe 删除在线条目、通知离开并关闭订阅
func (c *redisChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps, done, tracked := c.pubsub, c.done, c.tracked
	stopBeat, beatDone := c.stopBeat, c.beatDone
	c.mu.Unlock()

	if stopBeat != nil {
		close(stopBeat)
		<-beatDone
	}

	var firstErr error
	if tracked {
		if err := c.client.HDel(ctx, c.presenceKey, c.key).Err(); err != nil {
			firstErr = errors.Wrap(err, errors.ErrChannelPublish, "删除在线状态失败")
		}
		c.client.Del(ctx, c.aliveKey+c.key)
		if err := c.publishFrame(ctx, Frame{Op: OpLeave, Key: c.key}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ps != nil {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ErrChannelClosed, c.eventsKey)
		}
		<-done
	}
	return firstErr
}
