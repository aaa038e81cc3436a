package middleware

import (
	stderrors "errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/relay"
)

// 上下文键
const (
	ContextPeerKey   = "peerKey"
	ContextRequestID = "requestID"
)

// TicketAuth 中继连接票据中间件
type TicketAuth struct {
	tickets *relay.TicketManager
}

// NewTicketAuth 创建票据中间件
func NewTicketAuth(tickets *relay.TicketManager) *TicketAuth {
	return &TicketAuth{tickets: tickets}
}

// RequireTicket 校验票据与路径中的房间号、查询参数中的在线键是否一致。
// 未配置密钥时只要求携带在线键。
func (m *TicketAuth) RequireTicket(roomParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param(roomParam)
		key := c.Query("key")
		if roomID == "" || key == "" {
			Abort(c, errors.New(errors.ErrInvalidParam, "缺少房间号或在线键"))
			return
		}

		if m.tickets.Enabled() {
			if _, err := m.tickets.Verify(extractToken(c), roomID, key); err != nil {
				Abort(c, err)
				return
			}
		}

		c.Set(ContextPeerKey, key)
		c.Next()
	}
}

// extractToken 从请求中提取票据
func extractToken(c *gin.Context) string {
	// Authorization Header (Bearer Token)
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// 浏览器WebSocket无法设置Header，使用Query参数
	return c.Query("token")
}

// GetPeerKey 从上下文获取在线键
func GetPeerKey(c *gin.Context) (string, bool) {
	if v, exists := c.Get(ContextPeerKey); exists {
		if key, ok := v.(string); ok {
			return key, true
		}
	}
	return "", false
}

// Abort 以AppError的HTTP状态码中止请求
func Abort(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.GetString(ContextRequestID)))
}
