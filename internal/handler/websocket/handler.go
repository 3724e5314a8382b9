package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	httpHandler "github.com/isaacncz/Eat-Spin-sub000/internal/handler/http"
	"github.com/isaacncz/Eat-Spin-sub000/internal/hub"
	"github.com/isaacncz/Eat-Spin-sub000/internal/middleware"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。allowedOrigins 为空时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigins []string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || allowed[origin]
		},
	}
	return &WebSocketHandler{upgrader: upgrader, hub: h}
}

// HandleConnection 处理 GET /ws。每个连接拥有独立的存储连接与 Coordinator，
// 房间的创建与加入都通过连接上的命令完成。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 获取认证身份 (由 Auth 中间件设置)
	uid, ok := middleware.UID(c)
	if !ok {
		logrus.Warn("WS Handler: uid not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Identity required"})
		return
	}
	logCtx := logrus.WithField("uid", uid)

	// 2. 升级前打开存储连接，后端不可用时直接返回 HTTP 错误
	store, err := h.hub.OpenStore(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Group rooms are unavailable right now"})
		return
	}

	// 3. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		_ = store.Close(c.Request.Context())
		return
	}

	// 4. 创建客户端并注册到 Hub
	name, _ := c.Cookie(httpHandler.NameCookie)
	client := hub.NewClient(h.hub, conn, store, uid, name)
	if !h.hub.QueueMessage(hub.HubMessage{Type: "register", Client: client}) {
		logCtx.Error("WS Handler: Hub unavailable, failed to register client")
		client.Close()
		return
	}
	client.Run()
	logCtx.Info("WS Handler: Client session started")
}
