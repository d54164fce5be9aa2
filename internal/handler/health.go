package handler

import (
	"relay-core/internal/handler/response"
	"relay-core/internal/hub"

	"github.com/gin-gonic/gin"
)

// HealthCheck 存活检查
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{
		"status":  "UP",
		"version": "1.0.0",
		"service": "relay-server",
	})
}

// PendingCounter 返回未结算的签名请求数
type PendingCounter interface {
	Pending() int
}

// Stats 连接与待签名概览
func Stats(h *hub.Hub, signs, bundles PendingCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := h.Stats()
		response.Success(c, gin.H{
			"connections":     s.Connections,
			"users":           s.Users,
			"pairs":           s.Pairs,
			"pending_signs":   signs.Pending(),
			"pending_bundles": bundles.Pending(),
		})
	}
}
