package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/order/application"
	"github.com/davicafu/hexaretail/tests/mocks"
)

func setupRouter(t *testing.T) (*gin.Engine, *mocks.InMemoryOrderRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := mocks.NewInMemoryOrderRepo()
	service := application.NewOrderService(repo, nil, zap.NewNop())

	r := gin.New()
	RegisterOrderRoutes(r, NewOrderHandler(service))
	return r, repo
}

func do(r *gin.Engine, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type orderResponse struct {
	Data struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
		Total  int64     `json:"total"`
	} `json:"data"`
}

func TestOrderRoutes_RequireTenant(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/inventory/sku-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), TenantHeader)
}

func TestOrderRoutes_PlaceGetAndCancel(t *testing.T) {
	r, repo := setupRouter(t)

	w := do(r, http.MethodPost, "/inventory/sku-1/adjust", "t1", gin.H{"delta": 5})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/orders", "t1", gin.H{
		"customer_id": "cust-1",
		"lines":       []gin.H{{"product_id": "sku-1", "quantity": 2, "unit_price": 150}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created orderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "placed", created.Data.Status)
	assert.Equal(t, int64(300), created.Data.Total)

	w = do(r, http.MethodGet, "/orders/"+created.Data.ID.String(), "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Otro tenant no ve el pedido.
	w = do(r, http.MethodGet, "/orders/"+created.Data.ID.String(), "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/orders/"+created.Data.ID.String()+"/cancel", "t1", gin.H{"reason": "cliente"})
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled orderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Data.Status)

	w = do(r, http.MethodPost, "/orders/"+created.Data.ID.String()+"/cancel", "t1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, []string{
		"inventory.stock.changed",
		"order.created", "inventory.stock.changed",
		"order.cancelled", "inventory.stock.changed",
	}, repo.RoutingKeys())
}

func TestOrderRoutes_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{name: "id inválido", method: http.MethodGet, path: "/orders/not-a-uuid", code: http.StatusBadRequest},
		{name: "pedido inexistente", method: http.MethodGet, path: "/orders/" + uuid.NewString(), code: http.StatusNotFound},
		{name: "pedido sin líneas", method: http.MethodPost, path: "/orders", body: gin.H{"customer_id": "c", "lines": []gin.H{}}, code: http.StatusBadRequest},
		{name: "producto sin stock", method: http.MethodPost, path: "/orders", body: gin.H{
			"customer_id": "c",
			"lines":       []gin.H{{"product_id": "ghost", "quantity": 1, "unit_price": 1}},
		}, code: http.StatusNotFound},
		{name: "delta cero", method: http.MethodPost, path: "/inventory/sku-1/adjust", body: gin.H{"delta": 0}, code: http.StatusBadRequest},
		{name: "producto sin alta", method: http.MethodPost, path: "/inventory/sku-1/adjust", body: gin.H{"delta": -1}, code: http.StatusNotFound},
		{name: "stock desconocido", method: http.MethodGet, path: "/inventory/sku-404", code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, "t1", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestAdjustStock_Conflict(t *testing.T) {
	r, _ := setupRouter(t)

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/inventory/sku-1/adjust", "t1", gin.H{"delta": 1}).Code)

	w := do(r, http.MethodPost, "/inventory/sku-1/adjust", "t1", gin.H{"delta": -2})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodGet, "/inventory/sku-1", "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"product_id":"sku-1","quantity":1}}`, w.Body.String())
}
