package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPlaced    OrderStatus = "placed"
	OrderCancelled OrderStatus = "cancelled"
)

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // céntimos
}

type Order struct {
	ID           uuid.UUID   `json:"id"`
	TenantID     string      `json:"tenant_id"`
	CustomerID   string      `json:"customer_id"`
	Lines        []OrderLine `json:"lines"`
	Total        int64       `json:"total"`
	Status       OrderStatus `json:"status"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewOrder valida las líneas y construye un pedido en estado placed.
// Las líneas repetidas del mismo producto se agrupan.
func NewOrder(tenantID, customerID string, lines []OrderLine, now time.Time) (*Order, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInvalidOrder)
	}

	merged := make([]OrderLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	var total int64
	for _, l := range lines {
		if strings.TrimSpace(l.ProductID) == "" || l.Quantity <= 0 || l.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: invalid line for product %q", ErrInvalidOrder, l.ProductID)
		}
		total += int64(l.Quantity) * l.UnitPrice
		if i, ok := index[l.ProductID]; ok {
			if merged[i].UnitPrice != l.UnitPrice {
				return nil, fmt.Errorf("%w: conflicting prices for product %q", ErrInvalidOrder, l.ProductID)
			}
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}

	return &Order{
		ID:         uuid.New(),
		TenantID:   tenantID,
		CustomerID: customerID,
		Lines:      merged,
		Total:      total,
		Status:     OrderPlaced,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// --- Métodos de dominio ---

func (o *Order) Cancel(reason string, now time.Time) error {
	if o.Status == OrderCancelled {
		return ErrOrderAlreadyCancelled
	}
	o.Status = OrderCancelled
	o.CancelReason = reason
	o.UpdatedAt = now
	return nil
}
