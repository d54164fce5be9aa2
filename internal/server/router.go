package server

import (
	"relay-core/internal/handler"
	"relay-core/internal/handler/response"
	"relay-core/internal/hub"
	"relay-core/pkg/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPRouter 初始化并返回一个 Gin Engine，socket 入口挂在 /ws
func NewHTTPRouter(ws *handler.WSHandler, h *hub.Hub, signs, bundles handler.PendingCounter) *gin.Engine {
	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.ServeWS)

	// 4. 注册 API 路由组
	api := r.Group("/api/v1")
	{
		api.GET("/ping", func(c *gin.Context) {
			response.Success(c, gin.H{"pong": true})
		})
		api.GET("/stats", handler.Stats(h, signs, bundles))
	}

	return r
}
