package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	ErrProductNotFound       = errors.New("product not found")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidStockDelta     = errors.New("invalid stock delta")
)

// OrderRepository guarda pedidos y stock. Cada método de escritura es una única transacción
// que incluye los eventos de outbox correspondientes: o se confirma todo o nada.
type OrderRepository interface {
	PlaceOrder(ctx context.Context, o *Order) error
	CancelOrder(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*Order, error)
	AdjustStock(ctx context.Context, tenantID, productID string, delta int, reason string) (int, error)
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Order, error)
	GetStock(ctx context.Context, tenantID, productID string) (int, error)
}

// ---------- Helpers comunes (cache keys, etc.) ----------

func OrderCacheKey(tenantID string, id uuid.UUID) string {
	return fmt.Sprintf("order:%s:%s", tenantID, id.String())
}
