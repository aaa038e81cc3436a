package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/middleware"
	"github.com/wfunc/room-sync/internal/relay"
	"github.com/wfunc/room-sync/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 路由依赖，DB为空时房间查询接口返回503
type Deps struct {
	DB      *gorm.DB
	Hub     *relay.Hub
	Tickets *relay.TicketManager
	Relay   config.RelayConfig
	Log     *zap.Logger
}

// Router API路由器
type Router struct {
	engine    *gin.Engine
	db        *gorm.DB
	hub       *relay.Hub
	rooms     *RoomHandler
	ws        *WebSocketHandler
	ticketMid *middleware.TicketAuth
	relayPath string
	log       *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps Deps) *Router {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	if deps.Relay.Path == "" {
		deps.Relay.Path = "/ws/rooms"
	}

	engine := gin.New()

	// 全局中间件
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.AccessLog())

	var repo repository.RoomRepository
	if deps.DB != nil {
		repo = repository.NewRoomRepository(deps.DB)
	}

	router := &Router{
		engine:    engine,
		db:        deps.DB,
		hub:       deps.Hub,
		rooms:     NewRoomHandler(repo, deps.Hub),
		ws:        NewWebSocketHandler(deps.Hub, deps.Relay, deps.Log),
		ticketMid: middleware.NewTicketAuth(deps.Tickets),
		relayPath: strings.TrimRight(deps.Relay.Path, "/"),
		log:       deps.Log,
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		rooms := v1.Group("/rooms")
		{
			rooms.GET("", r.rooms.List)
			rooms.GET("/:code", r.rooms.Get)
			rooms.GET("/:code/presence", r.rooms.Presence)
		}
	}

	r.engine.GET(r.relayPath+"/:code", r.ticketMid.RequireTicket("code"), r.ws.RoomWebSocket)

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	status := gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
		"online":  r.hub.GetOnlineCount(),
		"rooms":   len(r.hub.RoomCounts()),
	}

	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err != nil {
			c.JSON(500, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}
		if err := sqlDB.Ping(); err != nil {
			c.JSON(500, gin.H{
				"status":  "unhealthy",
				"message": "数据库ping失败",
			})
			return
		}
		status["database"] = "ok"
	}

	c.JSON(200, status)
}

// Handler 返回http处理器
func (r *Router) Handler() *gin.Engine {
	return r.engine
}

// Run 运行服务器
func (r *Router) Run(addr string) error {
	r.log.Info("Starting relay server", zap.String("address", addr))
	return r.engine.Run(addr)
}
