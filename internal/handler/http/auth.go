package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/middleware"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
)

// NameCookie 保存浏览器上次使用的显示名
const NameCookie = "eatspin_name"

const nameCookieMaxAge = 365 * 24 * time.Hour

// AuthHandler 封装匿名身份与显示名相关的 HTTP 处理逻辑
type AuthHandler struct {
	identityService *service.IdentityService
	secureCookies   bool
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(identityService *service.IdentityService, secureCookies bool) *AuthHandler {
	return &AuthHandler{identityService: identityService, secureCookies: secureCookies}
}

// AnonymousRequest 可携带上次签发的 token 以沿用同一 uid
type AnonymousRequest struct {
	Token string `json:"token"`
}

// Anonymous 签发或续期匿名身份
func (h *AuthHandler) Anonymous(c *gin.Context) {
	var req AnonymousRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logrus.WithError(err).Warn("Handler.Anonymous: Invalid input format")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
			return
		}
	}

	identity, err := h.identityService.ResolveOrIssue(c.Request.Context(), req.Token)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, identity)
}

// ProfileResponse 是当前身份与显示名
type ProfileResponse struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Profile 返回当前 uid 与 cookie 中保存的显示名
func (h *AuthHandler) Profile(c *gin.Context) {
	uid, _ := middleware.UID(c)
	name, _ := c.Cookie(NameCookie)
	SuccessResponse(c, http.StatusOK, ProfileResponse{UID: uid, Name: roomcode.NormalizeDisplayName(name)})
}

// SetNameRequest 定义设置显示名的请求体
type SetNameRequest struct {
	Name string `json:"name" binding:"required"`
}

// SetName 规范化显示名并保存到 cookie
func (h *AuthHandler) SetName(c *gin.Context) {
	var req SetNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	name := roomcode.NormalizeDisplayName(req.Name)
	if name == "" {
		ErrorResponse(c, http.StatusBadRequest, "display name is required")
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(NameCookie, name, int(nameCookieMaxAge.Seconds()), "/", "", h.secureCookies, false)

	uid, _ := middleware.UID(c)
	SuccessResponse(c, http.StatusOK, ProfileResponse{UID: uid, Name: name})
}
