package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/davicafu/hexaretail/internal/analytics/application"
	"github.com/davicafu/hexaretail/internal/analytics/domain"
	"github.com/davicafu/hexaretail/pkg/utils"
)

type AnalyticsHandler struct {
	service *application.AnalyticsService
}

func NewAnalyticsHandler(service *application.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// EventCounts endpoint GET /analytics/event-counts?tenant_id=&from=&to=
func (h *AnalyticsHandler) EventCounts(c *gin.Context) {
	filter := domain.CountFilter{TenantID: c.Query("tenant_id")}

	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "invalid "+param+", use RFC3339")
			return
		}
		*dst = t
	}

	counts, err := h.service.EventCounts(c.Request.Context(), filter)
	if err != nil {
		if err == domain.ErrInvalidRange {
			utils.SendBadRequest(c, err.Error())
			return
		}
		utils.SendInternalServerError(c, "failed to count events")
		return
	}
	if counts == nil {
		counts = []domain.EventCount{}
	}
	utils.SendSuccess(c, http.StatusOK, counts)
}
