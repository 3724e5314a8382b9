package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
)

// RoomHandler 封装房间只读查询的 HTTP 处理逻辑
type RoomHandler struct {
	roomService    *service.RoomService
	historyService *service.HistoryService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, historyService *service.HistoryService) *RoomHandler {
	return &RoomHandler{roomService: roomService, historyService: historyService}
}

// GetRoom 返回房间概要，:code 可以是房间码，也可以通过 ?link= 传入分享链接
func (h *RoomHandler) GetRoom(c *gin.Context) {
	input := c.Param("code")
	if link := c.Query("link"); link != "" {
		input = link
	}
	summary, err := h.roomService.Lookup(c.Request.Context(), input)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, summary)
}

// ListSpins 返回房间最近的转盘历史
func (h *RoomHandler) ListSpins(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			ErrorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	spins, err := h.historyService.ListSpins(c.Request.Context(), c.Param("code"), limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"spins": spins})
}
