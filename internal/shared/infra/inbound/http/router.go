package http

import "github.com/gin-gonic/gin"

// RegisterOutboxRoutes registra la API de inspección del outbox y el health check.
func RegisterOutboxRoutes(r *gin.Engine, outbox *OutboxHandler, health *HealthHandler) {
	r.GET("/health", health.Health)

	events := r.Group("/outbox")
	{
		events.GET("/events", outbox.ListEvents)   // Listar eventos con filtros
		events.GET("/events/:id", outbox.GetEvent) // Obtener un evento por su ID
		events.GET("/stats", outbox.Stats)         // Conteo por estado
	}
}
