package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedQuery "github.com/davicafu/hexaretail/internal/shared/infra/platform/query"
	"github.com/davicafu/hexaretail/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OutboxHandler expone el estado del outbox para operación: las filas FAILED son la señal a vigilar.
type OutboxHandler struct {
	repo sharedDomain.OutboxQueryRepository
}

func NewOutboxHandler(repo sharedDomain.OutboxQueryRepository) *OutboxHandler {
	return &OutboxHandler{repo: repo}
}

// ListEvents endpoint GET /outbox/events con filtros, paginación y ordenamiento
func (h *OutboxHandler) ListEvents(c *gin.Context) {
	var criterias []sharedDomain.Criteria

	// --- Filtros desde query params ---
	if status := c.Query("status"); status != "" {
		parsed, err := sharedDomain.ParseOutboxStatus(status)
		if err != nil {
			utils.SendBadRequest(c, err.Error())
			return
		}
		criterias = append(criterias, sharedDomain.OutboxStatusCriteria{Status: parsed})
	}
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		criterias = append(criterias, sharedDomain.TenantCriteria{TenantID: tenantID})
	}
	aggType, aggID := c.Query("aggregate_type"), c.Query("aggregate_id")
	if aggType != "" || aggID != "" {
		criterias = append(criterias, sharedDomain.AggregateCriteria{Type: aggType, ID: aggID})
	}

	var createdRange sharedDomain.CreatedAtRangeCriteria
	for param, dst := range map[string]**time.Time{"from": &createdRange.Start, "to": &createdRange.End} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "invalid "+param+" format, use RFC3339")
			return
		}
		*dst = &t
	}
	if createdRange.Start != nil || createdRange.End != nil {
		criterias = append(criterias, createdRange)
	}

	criteria := sharedDomain.And(criterias...)

	// --- Sort ---
	sortParam := sharedQuery.Sort{Field: "created_at", Desc: true}
	if sortField := c.Query("sort_field"); sortField != "" {
		sortParam.Field = sortField
		sortParam.Desc = c.Query("sort_desc") == "true"
	}

	// --- Paginación ---
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	pagination := sharedQuery.OffsetPagination{Limit: limit, Offset: offset}.Normalize(defaultListLimit, maxListLimit)

	events, err := h.repo.ListOutbox(c.Request.Context(), criteria, pagination, sortParam)
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}
	if events == nil {
		events = []sharedDomain.OutboxEvent{}
	}

	utils.SendSuccess(c, http.StatusOK, events)
}

// GetEvent endpoint GET /outbox/events/:id
func (h *OutboxHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid event id")
		return
	}

	evt, err := h.repo.GetOutboxByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sharedDomain.ErrOutboxNotFound) {
			utils.SendNotFound(c, "outbox event not found")
			return
		}
		utils.SendInternalServerError(c, err.Error())
		return
	}

	utils.SendSuccess(c, http.StatusOK, evt)
}

// Stats endpoint GET /outbox/stats
func (h *OutboxHandler) Stats(c *gin.Context) {
	counts, err := h.repo.CountOutboxByStatus(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}

	out := gin.H{}
	for _, s := range []sharedDomain.OutboxStatus{
		sharedDomain.OutboxPending, sharedDomain.OutboxProcessing, sharedDomain.OutboxCompleted, sharedDomain.OutboxFailed,
	} {
		out[string(s)] = counts[s]
	}
	utils.SendSuccess(c, http.StatusOK, out)
}

// ---------------- Health ----------------

// Pinger es lo que necesita el health check de la base de datos (*sql.DB lo cumple).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BrokerStatus lo cumple cualquier gateway que sepa si tiene conexión.
type BrokerStatus interface {
	Available() bool
}

type HealthHandler struct {
	db     Pinger
	broker BrokerStatus
}

// NewHealthHandler acepta broker nil para transportes sin estado de conexión.
func NewHealthHandler(db Pinger, broker BrokerStatus) *HealthHandler {
	return &HealthHandler{db: db, broker: broker}
}

// Health endpoint GET /health. Un broker caído no es un error: el outbox acumula eventos.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok", "database": "up", "broker": "up"}
	code := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		body["status"] = "down"
		body["database"] = "down"
		code = http.StatusServiceUnavailable
	}
	if h.broker != nil && !h.broker.Available() {
		body["broker"] = "degraded"
	}

	c.JSON(code, body)
}
