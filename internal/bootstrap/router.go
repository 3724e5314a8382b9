package bootstrap

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	httpHandler "github.com/isaacncz/Eat-Spin-sub000/internal/handler/http"
	wsHandler "github.com/isaacncz/Eat-Spin-sub000/internal/handler/websocket"
	"github.com/isaacncz/Eat-Spin-sub000/internal/hub"
	"github.com/isaacncz/Eat-Spin-sub000/internal/middleware"
	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
)

// RouterDeps 是组装路由所需的组件
type RouterDeps struct {
	Config   *Config
	Log      *logrus.Logger
	Identity *service.IdentityService
	Rooms    *service.RoomService
	History  *service.HistoryService
	Hub      *hub.Hub
	Redis    *redis.Client // 为 nil 时不启用限流
}

// NewRouter 创建 Gin Engine 并注册所有路由
func NewRouter(d RouterDeps) *gin.Engine {
	if d.Config.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(d.Log))
	router.Use(CORSMiddleware(d.Config.AllowedOrigins))

	authHandler := httpHandler.NewAuthHandler(d.Identity, d.Config.Production())
	roomHandler := httpHandler.NewRoomHandler(d.Rooms, d.History)
	socketHandler := wsHandler.NewWebSocketHandler(d.Hub, d.Config.AllowedOrigins)
	requireIdentity := middleware.Auth(d.Identity)

	api := router.Group("/api")
	if d.Redis != nil {
		api.Use(middleware.RateLimit(d.Redis, d.Config.KeyPrefix, d.Config.RateLimitMax, d.Config.RateLimitWindow))
	}
	api.POST("/auth/anonymous", authHandler.Anonymous)
	profile := api.Group("/profile", requireIdentity)
	{
		profile.GET("", authHandler.Profile)
		profile.PUT("/name", authHandler.SetName)
	}
	rooms := api.Group("/rooms")
	{
		rooms.GET("/:code", roomHandler.GetRoom)
		rooms.GET("/:code/spins", roomHandler.ListSpins)
	}

	router.GET("/ws", requireIdentity, socketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong", "sessions": d.Hub.ActiveSessions()})
	})
	return router
}

// CORSMiddleware 只回显允许列表中的来源
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && allowed[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		// token 可能出现在查询参数中，不记录
		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
