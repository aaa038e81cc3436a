// Package relay 实现WebSocket中继服务器：按房间维护在线状态并转发广播。
//
// 每个连接对应一个在线键。客户端上报 track 后，中继把房间内已上报成员的
// 全量快照回送给它，并向其余成员广播 join；publish 帧以 message 形式转发给
// 除发送者以外的所有成员；连接断开时广播 leave。
package relay

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/room-sync/internal/channel"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// Options 中继连接参数
type Options struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
}

// OptionsFrom 从配置构造连接参数，未设置的字段取默认值
func OptionsFrom(cfg config.RelayConfig) Options {
	opts := Options{
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendBufferSize: cfg.SendBufferSize,
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512 * 1024
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	// ping周期必须小于pong超时
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	return o
}

// room 一个房间内的连接，按在线键索引
type room struct {
	clients map[string]*Client
}

// Hub 中继连接管理中心
type Hub struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub 创建Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts:   opts.withDefaults(),
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

// Register 注册客户端，同一房间内在线键不能重复
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.Room]
	if !ok {
		r = &room{clients: make(map[string]*Client)}
		h.rooms[c.Room] = r
	}
	if _, dup := r.clients[c.Key]; dup {
		return errors.Newf(errors.ErrChannelSubscribe, "在线键已存在: %s", c.Key)
	}
	r.clients[c.Key] = c

	h.logger.Info("中继客户端连接",
		zap.String("client_id", c.ID),
		zap.String("room", c.Room),
		zap.String("key", c.Key),
		zap.Int("room_clients", len(r.clients)))
	return nil
}

// Unregister 注销客户端，已上报在线状态的成员会向房间广播离开
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.Room]
	if !ok || r.clients[c.Key] != c {
		return
	}
	delete(r.clients, c.Key)
	close(c.send)

	if c.entry != nil {
		h.broadcastLocked(r, c.Key, channel.Frame{Op: channel.OpLeave, Key: c.Key})
	}
	if len(r.clients) == 0 {
		delete(h.rooms, c.Room)
	}

	h.logger.Info("中继客户端断开",
		zap.String("client_id", c.ID),
		zap.String("room", c.Room),
		zap.String("key", c.Key))
}

// track 记录在线状态，向本人回送全量快照并向其他成员广播加入
func (h *Hub) track(c *Client, entry protocol.PresenceEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.Room]
	if !ok || r.clients[c.Key] != c {
		return
	}
	c.entry = &entry

	h.sendLocked(c, channel.Frame{Op: channel.OpSync, Presence: presenceLocked(r)})
	h.broadcastLocked(r, c.Key, channel.Frame{Op: channel.OpJoin, Key: c.Key, Entry: &entry})
}

// publish 把消息转发给发送者以外的成员
func (h *Hub) publish(c *Client, topic string, payload json.RawMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[c.Room]
	if !ok || r.clients[c.Key] != c {
		return
	}
	h.broadcastLocked(r, c.Key, channel.Frame{
		Op:      channel.OpMessage,
		Topic:   topic,
		Payload: payload,
		From:    c.Key,
	})
}

// sendError 给单个客户端回送错误帧
func (h *Hub) sendError(c *Client, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[c.Room]
	if !ok || r.clients[c.Key] != c {
		return
	}
	h.sendLocked(c, channel.Frame{Op: channel.OpError, Error: message})
}

func (h *Hub) broadcastLocked(r *room, except string, f channel.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("序列化帧失败", zap.String("op", f.Op), zap.Error(err))
		return
	}
	for key, c := range r.clients {
		if key == except {
			continue
		}
		h.enqueueLocked(c, data)
	}
}

func (h *Hub) sendLocked(c *Client, f channel.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("序列化帧失败", zap.String("op", f.Op), zap.Error(err))
		return
	}
	h.enqueueLocked(c, data)
}

func (h *Hub) enqueueLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("客户端发送缓冲区满",
			zap.String("client_id", c.ID),
			zap.String("room", c.Room),
			zap.String("key", c.Key))
	}
}

// presenceLocked 房间内已上报成员的快照
func presenceLocked(r *room) map[string]protocol.PresenceEntry {
	out := make(map[string]protocol.PresenceEntry, len(r.clients))
	for key, c := range r.clients {
		if c.entry != nil {
			out[key] = *c.entry
		}
	}
	return out
}

// Presence 房间在线状态快照
func (h *Hub) Presence(roomID string) map[string]protocol.PresenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return map[string]protocol.PresenceEntry{}
	}
	return presenceLocked(r)
}

// Members 房间内已上报的玩家，按加入时间排序
func (h *Hub) Members(roomID string) []protocol.PlayerInfo {
	presence := h.Presence(roomID)
	players := make([]protocol.PlayerInfo, 0, len(presence))
	for _, entry := range presence {
		players = append(players, entry.Player)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
	return players
}

// RoomCounts 各房间连接数
func (h *Hub) RoomCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int, len(h.rooms))
	for id, r := range h.rooms {
		counts[id] = len(r.clients)
	}
	return counts
}

// GetOnlineCount 获取在线连接总数
func (h *Hub) GetOnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, r := range h.rooms {
		n += len(r.clients)
	}
	return n
}

// Close 断开所有客户端
func (h *Hub) Close() {
	h.mu.RLock()
	var clients []*Client
	for _, r := range h.rooms {
		for _, c := range r.clients {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
