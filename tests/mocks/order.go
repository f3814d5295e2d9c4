package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	orderDomain "github.com/davicafu/hexaretail/internal/order/domain"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
)

// InMemoryOrderRepo simula OrderRepository con outbox incluido.
// Cada escritura valida primero y solo después aplica cambios, igual que una transacción.
type InMemoryOrderRepo struct {
	Orders map[uuid.UUID]*orderDomain.Order
	Stock  map[string]int
	Outbox []sharedDomain.OutboxEvent

	// GetByIDErrs se devuelven, en orden, antes de leer de verdad.
	GetByIDErrs  []error
	GetByIDCalls int

	mu sync.Mutex
}

var _ orderDomain.OrderRepository = (*InMemoryOrderRepo)(nil)

func NewInMemoryOrderRepo() *InMemoryOrderRepo {
	return &InMemoryOrderRepo{
		Orders: make(map[uuid.UUID]*orderDomain.Order),
		Stock:  make(map[string]int),
	}
}

func stockKey(tenantID, productID string) string {
	return tenantID + "/" + productID
}

func (r *InMemoryOrderRepo) record(tenantID, aggregateID, aggregateType, eventType string, payload interface{}) {
	evt, err := sharedDomain.NewOutboxEvent(tenantID, aggregateID, aggregateType, eventType, payload, time.Now().UTC())
	if err != nil {
		panic(fmt.Sprintf("mock outbox: %v", err))
	}
	r.Outbox = append(r.Outbox, evt)
}

// RoutingKeys devuelve las routing keys registradas en orden.
func (r *InMemoryOrderRepo) RoutingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.Outbox))
	for i, evt := range r.Outbox {
		keys[i] = evt.RoutingKey()
	}
	return keys
}

func (r *InMemoryOrderRepo) PlaceOrder(ctx context.Context, o *orderDomain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range o.Lines {
		qty, ok := r.Stock[stockKey(o.TenantID, l.ProductID)]
		if !ok {
			return orderDomain.ErrProductNotFound
		}
		if qty < l.Quantity {
			return orderDomain.ErrInsufficientStock
		}
	}

	stored := *o
	r.Orders[o.ID] = &stored
	r.record(o.TenantID, o.ID.String(), orderDomain.OrderAggregate, orderDomain.OrderCreatedEvent, map[string]interface{}{"orderId": o.ID})
	for _, l := range o.Lines {
		r.Stock[stockKey(o.TenantID, l.ProductID)] -= l.Quantity
		r.record(o.TenantID, l.ProductID, orderDomain.InventoryAggregate, orderDomain.StockChangedEvent, map[string]interface{}{"delta": -l.Quantity})
	}
	return nil
}

func (r *InMemoryOrderRepo) CancelOrder(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*orderDomain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.Orders[id]
	if !ok || stored.TenantID != tenantID {
		return nil, orderDomain.ErrOrderNotFound
	}
	o := *stored
	if err := o.Cancel(reason, time.Now().UTC()); err != nil {
		return nil, err
	}
	r.Orders[id] = &o

	r.record(tenantID, id.String(), orderDomain.OrderAggregate, orderDomain.OrderCancelledEvent, map[string]interface{}{"orderId": id})
	for _, l := range o.Lines {
		r.Stock[stockKey(tenantID, l.ProductID)] += l.Quantity
		r.record(tenantID, l.ProductID, orderDomain.InventoryAggregate, orderDomain.StockChangedEvent, map[string]interface{}{"delta": l.Quantity})
	}
	out := o
	return &out, nil
}

func (r *InMemoryOrderRepo) AdjustStock(ctx context.Context, tenantID, productID string, delta int, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if delta == 0 {
		return 0, orderDomain.ErrInvalidStockDelta
	}
	key := stockKey(tenantID, productID)
	qty, ok := r.Stock[key]
	if !ok && delta < 0 {
		return 0, orderDomain.ErrProductNotFound
	}
	if qty+delta < 0 {
		return 0, orderDomain.ErrInsufficientStock
	}
	r.Stock[key] = qty + delta
	r.record(tenantID, productID, orderDomain.InventoryAggregate, orderDomain.StockChangedEvent, map[string]interface{}{"delta": delta, "reason": reason})
	return qty + delta, nil
}

func (r *InMemoryOrderRepo) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*orderDomain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.GetByIDCalls++
	if len(r.GetByIDErrs) > 0 {
		err := r.GetByIDErrs[0]
		r.GetByIDErrs = r.GetByIDErrs[1:]
		return nil, err
	}
	o, ok := r.Orders[id]
	if !ok || o.TenantID != tenantID {
		return nil, orderDomain.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

func (r *InMemoryOrderRepo) GetStock(ctx context.Context, tenantID, productID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qty, ok := r.Stock[stockKey(tenantID, productID)]
	if !ok {
		return 0, orderDomain.ErrProductNotFound
	}
	return qty, nil
}
