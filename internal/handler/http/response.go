package http

import "github.com/gin-gonic/gin"

// ErrorResponse 返回统一格式的错误
func ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// SuccessResponse 原样返回数据
func SuccessResponse(c *gin.Context, code int, data interface{}) {
	c.JSON(code, data)
}
