package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxRetries es el número de intentos de publicación fallidos tras el cual un evento pasa a FAILED.
const MaxRetries = 5

// maxErrorLen limita el tamaño del mensaje de error persistido en la fila.
const maxErrorLen = 1024

var (
	ErrOutboxNotFound      = errors.New("outbox event not found")
	ErrOutboxNotClaimed    = errors.New("outbox event is not in PROCESSING state")
	ErrInvalidOutboxEvent  = errors.New("invalid outbox event")
	ErrInvalidOutboxStatus = errors.New("invalid outbox status")
)

// OutboxStatus es el estado del evento dentro de la máquina de estados del dispatcher.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// ParseOutboxStatus acepta el estado en cualquier combinación de mayúsculas/minúsculas.
func ParseOutboxStatus(s string) (OutboxStatus, error) {
	st := OutboxStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutboxStatus, s)
	}
	return st, nil
}

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxCompleted, OutboxFailed:
		return true
	}
	return false
}

// IsTerminal indica si el evento ya no será tocado por el dispatcher.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxCompleted || s == OutboxFailed
}

// CanTransitionTo codifica las transiciones permitidas:
// PENDING -> PROCESSING -> {COMPLETED | PENDING | FAILED}. PENDING -> FAILED solo ocurre
// cuando retry_count ya alcanzó el máximo configurado (p. ej. tras bajar OUTBOX_MAX_RETRIES).
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxPending:
		return next == OutboxProcessing || next == OutboxFailed
	case OutboxProcessing:
		return next == OutboxCompleted || next == OutboxPending || next == OutboxFailed
	}
	return false
}

// OutboxEvent representa la intención durable de publicar un evento en el broker.
type OutboxEvent struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"` // ej. "order", "inventory"
	EventType     string          `json:"event_type"`     // ej. "created", "stock.changed"
	Payload       json.RawMessage `json:"payload"`        // se serializa una sola vez, al crear
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// NewOutboxEvent valida los datos y construye un evento PENDING con el payload ya serializado.
func NewOutboxEvent(tenantID, aggregateID, aggregateType, eventType string, payload interface{}, now time.Time) (OutboxEvent, error) {
	switch {
	case strings.TrimSpace(tenantID) == "":
		return OutboxEvent{}, fmt.Errorf("%w: tenant id is required", ErrInvalidOutboxEvent)
	case strings.TrimSpace(aggregateID) == "":
		return OutboxEvent{}, fmt.Errorf("%w: aggregate id is required", ErrInvalidOutboxEvent)
	case strings.TrimSpace(aggregateType) == "":
		return OutboxEvent{}, fmt.Errorf("%w: aggregate type is required", ErrInvalidOutboxEvent)
	case strings.TrimSpace(eventType) == "":
		return OutboxEvent{}, fmt.Errorf("%w: event type is required", ErrInvalidOutboxEvent)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return OutboxEvent{}, err
	}

	now = now.UTC()
	return OutboxEvent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		AggregateType: strings.ToLower(aggregateType),
		EventType:     eventType,
		Payload:       raw,
		Status:        OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidOutboxEvent)
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidOutboxEvent, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOutboxEvent)
	}
	// Copia defensiva: el payload no debe cambiar después de creado.
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// RoutingKey devuelve "{aggregateType}.{eventType}" con el tipo de agregado en minúsculas.
func (e OutboxEvent) RoutingKey() string {
	return RoutingKey(e.AggregateType, e.EventType)
}

func RoutingKey(aggregateType, eventType string) string {
	return strings.ToLower(aggregateType) + "." + eventType
}

// TruncateError recorta el mensaje de error al tamaño máximo almacenable.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
