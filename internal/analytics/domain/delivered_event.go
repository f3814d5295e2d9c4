package domain

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidRange = errors.New("invalid time range")

// DeliveredEvent es una fila de la proyección: un evento tal y como llegó al consumidor.
type DeliveredEvent struct {
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	RoutingKey    string    `json:"routing_key"`
	Amount        int64     `json:"amount"` // importe del pedido en céntimos, 0 si no aplica
	Payload       string    `json:"payload"`
	OccurredAt    time.Time `json:"occurred_at"`
	ReceivedAt    time.Time `json:"received_at"`
}

// EventCount agrega eventos entregados por routing key.
type EventCount struct {
	RoutingKey string `json:"routing_key"`
	Count      int64  `json:"count"`
	Amount     int64  `json:"amount"`
}

// CountFilter acota la consulta. TenantID vacío significa todos los tenants.
type CountFilter struct {
	TenantID string
	From     time.Time
	To       time.Time
}

func (f CountFilter) Validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return ErrInvalidRange
	}
	return nil
}

// EventLogRepository guarda la proyección. LogBatch debe tolerar el mismo EventID más de una vez:
// la entrega es at-least-once.
type EventLogRepository interface {
	LogBatch(ctx context.Context, events []DeliveredEvent) error
	CountByEventType(ctx context.Context, filter CountFilter) ([]EventCount, error)
}
