package events

import (
	"github.com/google/uuid"
)

// Estos son contratos de integración, NO entidades del dominio.
// Se definen planos para intercambio entre contextos.

type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type OrderCreated struct {
	OrderID    uuid.UUID   `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Lines      []OrderLine `json:"lines"`
	Total      int64       `json:"total"`
}

type OrderCancelled struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type StockChanged struct {
	ProductID string     `json:"productId"`
	Delta     int        `json:"delta"`
	Quantity  int        `json:"quantity"`
	Reason    string     `json:"reason"`
	OrderID   *uuid.UUID `json:"orderId,omitempty"`
}
