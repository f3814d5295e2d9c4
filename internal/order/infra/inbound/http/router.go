package http

import "github.com/gin-gonic/gin"

func RegisterOrderRoutes(r *gin.Engine, handler *OrderHandler) {
	orders := r.Group("/orders", RequireTenant)
	{
		orders.POST("", handler.PlaceOrder)
		orders.GET("/:id", handler.GetOrder)
		orders.POST("/:id/cancel", handler.CancelOrder)
	}

	inventory := r.Group("/inventory", RequireTenant)
	{
		inventory.GET("/:productId", handler.GetStock)
		inventory.POST("/:productId/adjust", handler.AdjustStock)
	}
}
