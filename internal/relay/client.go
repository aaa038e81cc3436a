package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/wfunc/room-sync/internal/channel"
	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// Client 中继上的一个对等端连接
type Client struct {
	ID   string // 连接ID
	Room string // 房间号
	Key  string // 在线键

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// entry 上报的在线状态，由hub.mu保护
	entry *protocol.PresenceEntry
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, roomID, key string) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Room: roomID,
		Key:  key,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.opts.SendBufferSize),
	}
}

// Serve 注册并启动读写协程，注册失败时回送错误并关闭连接
func (c *Client) Serve() error {
	if err := c.hub.Register(c); err != nil {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
		if data, mErr := json.Marshal(channel.Frame{Op: channel.OpError, Error: err.Error()}); mErr == nil {
			c.conn.WriteMessage(websocket.TextMessage, data)
		}
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate key"))
		c.conn.Close()
		return err
	}

	go c.WritePump()
	go c.ReadPump()
	return nil
}

// ReadPump 读取消息
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump 写入消息，队列中积压的帧以换行分隔合并发送
func (c *Client) WritePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				// Hub关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 先按op分流，再解码完整帧
func (c *Client) handleMessage(data []byte) {
	if !gjson.ValidBytes(data) {
		c.hub.logger.Warn("解析中继帧失败", zap.String("client_id", c.ID))
		c.hub.sendError(c, "帧格式错误")
		return
	}

	switch op := gjson.GetBytes(data, "op").String(); op {
	case channel.OpTrack:
		var f channel.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Entry == nil {
			c.hub.sendError(c, "track缺少entry")
			return
		}
		c.hub.track(c, *f.Entry)

	case channel.OpPublish:
		topic := gjson.GetBytes(data, "topic").String()
		payload := gjson.GetBytes(data, "payload")
		if topic == "" || !payload.Exists() {
			c.hub.sendError(c, "publish缺少topic或payload")
			return
		}
		c.hub.publish(c, topic, json.RawMessage(payload.Raw))

	case "":
		c.hub.sendError(c, "帧类型不能为空")

	default:
		c.hub.logger.Warn("收到不支持的帧类型",
			zap.String("client_id", c.ID),
			zap.String("op", op))
		c.hub.sendError(c, "不支持的帧类型: "+op)
	}
}
