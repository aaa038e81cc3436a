package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/middleware"
	"github.com/wfunc/room-sync/internal/relay"
	"go.uber.org/zap"
)

// WebSocketHandler 房间中继WebSocket处理器
type WebSocketHandler struct {
	hub      *relay.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *relay.Hub, cfg config.RelayConfig, logger *zap.Logger) *WebSocketHandler {
	readBuf, writeBuf := cfg.ReadBufferSize, cfg.WriteBufferSize
	if readBuf <= 0 {
		readBuf = 1024
	}
	if writeBuf <= 0 {
		writeBuf = 1024
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin: func(r *http.Request) bool {
				// 连接由票据鉴权，不限制Origin
				return true
			},
		},
		logger: logger,
	}
}

// RoomWebSocket 加入房间中继
// GET /ws/rooms/:code?key=<在线键>&token=<票据>
func (h *WebSocketHandler) RoomWebSocket(c *gin.Context) {
	roomID := c.Param("code")
	key, _ := middleware.GetPeerKey(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败",
			zap.String("room", roomID),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	client := relay.NewClient(h.hub, conn, roomID, key)
	if err := client.Serve(); err != nil {
		h.logger.Warn("中继拒绝连接",
			zap.String("room", roomID),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("room", roomID),
		zap.String("key", key),
		zap.String("ip", c.ClientIP()))
}
