package http

import "github.com/gin-gonic/gin"

func RegisterAnalyticsRoutes(r *gin.Engine, handler *AnalyticsHandler) {
	analytics := r.Group("/analytics")
	{
		analytics.GET("/event-counts", handler.EventCounts)
	}
}
