package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/zone-engine/api/handlers"
	"github.com/feichai0017/zone-engine/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	// 全局中间件
	r.Use(middleware.CORS())

	r.GET("/health", h.Zones.Health)

	// API 版本组
	v1 := r.Group("/api/v1")

	// 文档路由组
	docs := v1.Group("/documents")
	{
		docs.POST("/:documentId/zones", h.Zones.SubmitZones)
		docs.GET("/:documentId/zones", h.Zones.GetDocumentZones)
		docs.GET("/:documentId/state", h.Zones.GetProcessingState)
		docs.GET("/:documentId/export", h.Zones.ExportDocument)
		docs.GET("/:documentId/stream", h.Stream.Stream)
	}

	// 区域路由组
	zones := v1.Group("/zones")
	{
		zones.GET("/:zoneId", h.Zones.GetZone)
		zones.POST("/:zoneId/correct", h.Zones.CorrectZone)
	}

	// 控制命令
	v1.POST("/commands", h.Zones.ExecuteCommand)

	// 队列指标
	v1.GET("/queue/metrics", h.Zones.GetQueueMetrics)

	// 连接管理
	stream := v1.Group("/stream")
	{
		stream.GET("/stats", h.Stream.Stats)
		stream.POST("/:connectionId/heartbeat", h.Stream.Heartbeat)
		stream.DELETE("/:connectionId", h.Stream.Unsubscribe)
	}
}
