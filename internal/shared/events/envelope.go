package events

import (
	"encoding/json"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
)

const ContentTypeJSON = "application/json"

// Envelope es el contrato de integración que recibe cualquier consumidor.
// EventID no viaja en el cuerpo: los adapters lo envían como message-id.
type Envelope struct {
	EventID       string          `json:"-"`
	TenantID      string          `json:"tenantId"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope construye el envelope a partir de la fila del outbox. El timestamp es createdAt.
func NewEnvelope(evt sharedDomain.OutboxEvent) (Envelope, error) {
	if !json.Valid(evt.Payload) {
		return Envelope{}, fmt.Errorf("cannot deserialize payload of outbox event %s", evt.ID)
	}
	return Envelope{
		EventID:       evt.ID.String(),
		TenantID:      evt.TenantID,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Timestamp:     evt.CreatedAt.UTC(),
	}, nil
}

func (e Envelope) RoutingKey() string {
	return sharedDomain.RoutingKey(e.AggregateType, e.EventType)
}

// Marshal serializa el envelope al formato de cable.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for event %s: %w", e.EventID, err)
	}
	return data, nil
}

// DecodeEnvelope es lo que usan los consumidores para leer un mensaje.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.AggregateType == "" || env.EventType == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: aggregateType and eventType are required")
	}
	return env, nil
}
