package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/hexaretail/internal/order/application"
	"github.com/davicafu/hexaretail/internal/order/domain"
	"github.com/davicafu/hexaretail/pkg/utils"
)

// TenantHeader identifica al tenant en todas las peticiones de pedidos e inventario.
const TenantHeader = "X-Tenant-ID"

// OrderHandler encapsula los endpoints HTTP de pedidos e inventario
type OrderHandler struct {
	service *application.OrderService
}

func NewOrderHandler(service *application.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RequireTenant corta la petición si falta la cabecera de tenant.
func RequireTenant(c *gin.Context) {
	if strings.TrimSpace(c.GetHeader(TenantHeader)) == "" {
		utils.SendBadRequest(c, "missing "+TenantHeader+" header")
		c.Abort()
		return
	}
	c.Next()
}

func tenantOf(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(TenantHeader))
}

// ---------------- Handlers ----------------

// PlaceOrder endpoint POST /orders
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	var req struct {
		CustomerID string `json:"customer_id" binding:"required"`
		Lines      []struct {
			ProductID string `json:"product_id" binding:"required"`
			Quantity  int    `json:"quantity" binding:"required,gt=0"`
			UnitPrice int64  `json:"unit_price" binding:"gte=0"`
		} `json:"lines" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	lines := make([]domain.OrderLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = domain.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}

	order, err := h.service.PlaceOrder(c.Request.Context(), tenantOf(c), req.CustomerID, lines)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusCreated, order)
}

// GetOrder endpoint GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid order id")
		return
	}

	order, err := h.service.GetOrder(c.Request.Context(), tenantOf(c), id)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, order)
}

// CancelOrder endpoint POST /orders/:id/cancel
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid order id")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	// El cuerpo es opcional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendBadRequest(c, err.Error())
			return
		}
	}

	order, err := h.service.CancelOrder(c.Request.Context(), tenantOf(c), id, req.Reason)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, order)
}

// AdjustStock endpoint POST /inventory/:productId/adjust
func (h *OrderHandler) AdjustStock(c *gin.Context) {
	var req struct {
		Delta  int    `json:"delta" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	productID := c.Param("productId")
	qty, err := h.service.AdjustStock(c.Request.Context(), tenantOf(c), productID, req.Delta, req.Reason)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"product_id": productID, "quantity": qty})
}

// GetStock endpoint GET /inventory/:productId
func (h *OrderHandler) GetStock(c *gin.Context) {
	productID := c.Param("productId")
	qty, err := h.service.GetStock(c.Request.Context(), tenantOf(c), productID)
	if err != nil {
		sendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"product_id": productID, "quantity": qty})
}

// sendDomainError traduce los errores de dominio a códigos HTTP.
func sendDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		utils.SendNotFound(c, err.Error())
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidStockDelta):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrOrderAlreadyCancelled):
		utils.SendError(c, http.StatusConflict, err.Error())
	default:
		utils.SendInternalServerError(c, "internal error")
	}
}
