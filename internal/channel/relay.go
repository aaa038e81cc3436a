package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/protocol"
	"go.uber.org/zap"
)

// TokenFunc 为连接生成中继票据，返回空字符串表示不携带票据
type TokenFunc func(roomID, key string) (string, error)

// RelayOptions 中继客户端参数
type RelayOptions struct {
	// BaseURL 形如 ws://host:8080/ws/rooms，房间号追加在路径末尾
	BaseURL      string
	WriteTimeout time.Duration
	Token        TokenFunc
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// RelayTransport 通过WebSocket中继服务器通信的传输
type RelayTransport struct {
	opts RelayOptions
}

// NewRelayTransport 创建中继传输
func NewRelayTransport(opts RelayOptions) *RelayTransport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RelayTransport{opts: opts}
}

// Open 创建一个房间订阅
func (t *RelayTransport) Open(roomID, key string) Channel {
	return &relayChannel{
		opts:   t.opts,
		room:   roomID,
		key:    key,
		logger: t.opts.Logger.With(zap.String("room", roomID), zap.String("key", key)),
	}
}

type relayChannel struct {
	opts   RelayOptions
	room   string
	key    string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}

	writeMu sync.Mutex
}

// dialURL 拼接房间地址与查询参数
func (c *relayChannel) dialURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.BaseURL, "/") + "/" + url.PathEscape(c.room))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrWebSocketConnect, c.opts.BaseURL)
	}
	q := u.Query()
	q.Set("key", c.key)
	if c.opts.Token != nil {
		token, err := c.opts.Token(c.room, c.key)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrAuthentication, "生成中继票据失败")
		}
		if token != "" {
			q.Set("token", token)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe 建立WebSocket连接并开始读取
func (c *relayChannel) Subscribe(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(errors.ErrChannelClosed, c.room)
	}
	if c.conn != nil {
		return errors.New(errors.ErrChannelSubscribe, "重复订阅")
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, errors.ErrWebSocketConnect, "中继拒绝连接: %d", resp.StatusCode)
		}
		return errors.Wrap(err, errors.ErrWebSocketConnect, c.opts.BaseURL)
	}

	c.conn = conn
	c.done = make(chan struct{})
	go c.readPump(conn, h, c.done)
	return nil
}

// readPump 读取中继下发的帧，一个WebSocket消息内可能有多个以换行分隔的帧
func (c *relayChannel) readPump(conn *websocket.Conn, h Handlers, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("中继连接中断", zap.Error(err))
			}
			return
		}

		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f Frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.logger.Warn("丢弃无法解析的中继帧", zap.Error(err))
				continue
			}
			if f.Op == OpError {
				c.logger.Warn("中继返回错误", zap.String("error", f.Error))
				continue
			}
			f.dispatch(c.key, h)
		}
	}
}

// Track 上报在线状态，中继回送全量快照
func (c *relayChannel) Track(ctx context.Context, entry protocol.PresenceEntry) error {
	return c.write(Frame{Op: OpTrack, Entry: &entry})
}

// Publish 通过中继广播
func (c *relayChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.write(Frame{Op: OpPublish, Topic: topic, Payload: payload})
}

func (c *relayChannel) write(f Frame) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return errors.New(errors.ErrChannelClosed, "未订阅")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return errors.Wrap(err, errors.ErrChannelPublish, f.Op)
	}
	return nil
}

// Unsubscribe 正常关闭连接，中继据此广播离开
func (c *relayChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := conn.Close()
	<-done
	if err != nil {
		return errors.Wrap(err, errors.ErrChannelClosed, c.room)
	}
	return nil
}
