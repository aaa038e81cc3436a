package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/room-sync/internal/errors"
	"github.com/wfunc/room-sync/internal/middleware"
	"github.com/wfunc/room-sync/internal/models"
	"github.com/wfunc/room-sync/internal/protocol"
	"github.com/wfunc/room-sync/internal/relay"
	"github.com/wfunc/room-sync/internal/repository"
)

// RoomHandler 房间查询接口
type RoomHandler struct {
	repo repository.RoomRepository
	hub  *relay.Hub
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(repo repository.RoomRepository, hub *relay.Hub) *RoomHandler {
	return &RoomHandler{repo: repo, hub: hub}
}

// RoomListResponse 房间列表响应
type RoomListResponse struct {
	Rooms      []models.RoomSummary   `json:"rooms"`
	Pagination *repository.Pagination `json:"pagination"`
}

// RoomDetailResponse 房间详情，附带中继上的实时在线人数
type RoomDetailResponse struct {
	models.RoomSummary
	Online int `json:"online"`
}

// PresenceResponse 房间在线成员
type PresenceResponse struct {
	Code    string                `json:"code"`
	Count   int                   `json:"count"`
	Players []protocol.PlayerInfo `json:"players"`
}

// List 分页列出房间
// GET /api/v1/rooms?page=1&page_size=10
func (h *RoomHandler) List(c *gin.Context) {
	if h.repo == nil {
		middleware.Abort(c, errors.New(errors.ErrDatabaseConnect, "未配置数据库"))
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	pagination := repository.NewPagination(page, pageSize)

	rooms, err := h.repo.List(c.Request.Context(), pagination)
	if err != nil {
		middleware.Abort(c, err)
		return
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}
	c.JSON(http.StatusOK, RoomListResponse{Rooms: summaries, Pagination: pagination})
}

// Get 房间详情
// GET /api/v1/rooms/:code
func (h *RoomHandler) Get(c *gin.Context) {
	if h.repo == nil {
		middleware.Abort(c, errors.New(errors.ErrDatabaseConnect, "未配置数据库"))
		return
	}

	code := c.Param("code")
	room, err := h.repo.FindByCode(c.Request.Context(), code)
	if err != nil {
		middleware.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, RoomDetailResponse{
		RoomSummary: room.Summary(),
		Online:      h.hub.RoomCounts()[code],
	})
}

// Presence 中继上已上报在线状态的成员
// GET /api/v1/rooms/:code/presence
func (h *RoomHandler) Presence(c *gin.Context) {
	code := c.Param("code")
	players := h.hub.Members(code)
	c.JSON(http.StatusOK, PresenceResponse{
		Code:    code,
		Count:   len(players),
		Players: players,
	})
}
