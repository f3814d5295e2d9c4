package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/analytics/application"
	"github.com/davicafu/hexaretail/internal/analytics/domain"
	"github.com/davicafu/hexaretail/internal/analytics/infra/outbound/memory"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memory.NewEventLogRepo()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.LogBatch(context.Background(), []domain.DeliveredEvent{
		{EventID: "1", TenantID: "t1", RoutingKey: "order.created", Amount: 100, OccurredAt: base},
		{EventID: "2", TenantID: "t1", RoutingKey: "order.created", Amount: 50, OccurredAt: base.Add(48 * time.Hour)},
		{EventID: "3", TenantID: "t2", RoutingKey: "inventory.stock.changed", OccurredAt: base},
	}))

	r := gin.New()
	RegisterAnalyticsRoutes(r, NewAnalyticsHandler(application.NewAnalyticsService(repo, zap.NewNop())))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestEventCounts(t *testing.T) {
	r := setupRouter(t)

	tests := []struct {
		name string
		path string
		code int
		body string
	}{
		{
			name: "todos",
			path: "/analytics/event-counts",
			code: http.StatusOK,
			body: `{"data":[{"routing_key":"inventory.stock.changed","count":1,"amount":0},{"routing_key":"order.created","count":2,"amount":150}]}`,
		},
		{
			name: "por tenant y rango",
			path: "/analytics/event-counts?tenant_id=t1&from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z",
			code: http.StatusOK,
			body: `{"data":[{"routing_key":"order.created","count":1,"amount":100}]}`,
		},
		{
			name: "sin resultados",
			path: "/analytics/event-counts?tenant_id=nobody",
			code: http.StatusOK,
			body: `{"data":[]}`,
		},
		{
			name: "fecha inválida",
			path: "/analytics/event-counts?from=ayer",
			code: http.StatusBadRequest,
		},
		{
			name: "rango invertido",
			path: "/analytics/event-counts?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z",
			code: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.path)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.body != "" {
				assert.JSONEq(t, tt.body, w.Body.String())
			}
		})
	}
}
