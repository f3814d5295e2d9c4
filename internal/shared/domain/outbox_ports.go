package domain

import (
	"context"
	"database/sql"
	"time"

	sharedQuery "github.com/davicafu/hexaretail/internal/shared/infra/platform/query"
	"github.com/google/uuid"
)

// OutboxWriter inserta la intención de publicar dentro de la transacción ya abierta por el llamador.
// Si devuelve error, el llamador debe hacer rollback.
type OutboxWriter interface {
	RecordEvent(ctx context.Context, tx *sql.Tx, tenantID, aggregateID, aggregateType, eventType string, payload interface{}) error
}

// OutboxRepository contiene solo los métodos que necesita el dispatcher.
type OutboxRepository interface {
	// FetchPendingOutbox devuelve hasta limit eventos PENDING con retry_count < maxRetries, más antiguos primero.
	FetchPendingOutbox(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error)
	// ClaimOutbox pasa el evento de PENDING a PROCESSING. Devuelve false si otro lo reclamó antes.
	ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error)
	MarkOutboxCompleted(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	// MarkOutboxFailedAttempt incrementa retry_count y deja el evento en PENDING o FAILED.
	MarkOutboxFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (OutboxStatus, error)
	// ReleaseOutbox devuelve el evento a PENDING sin consumir reintentos.
	ReleaseOutbox(ctx context.Context, id uuid.UUID) error
	// FailExhaustedPending pasa a FAILED los eventos PENDING cuyo retry_count ya alcanzó maxRetries,
	// que FetchPendingOutbox nunca volvería a devolver. retry_count no cambia.
	FailExhaustedPending(ctx context.Context, maxRetries int) (int64, error)
	// ResetStuckProcessing libera los eventos que llevan en PROCESSING desde antes de olderThan.
	ResetStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetentionRepository da acceso a los eventos COMPLETED antiguos.
type RetentionRepository interface {
	FetchCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]OutboxEvent, error)
	DeleteCompletedOutbox(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// OutboxQueryRepository es la vista de solo lectura para operación y monitorización.
type OutboxQueryRepository interface {
	GetOutboxByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
	ListOutbox(ctx context.Context, criteria Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]OutboxEvent, error)
	CountOutboxByStatus(ctx context.Context, tenantID string) (map[OutboxStatus]int64, error)
}

// OutboxStore agrupa todo lo que implementa un almacén de outbox completo.
type OutboxStore interface {
	OutboxWriter
	OutboxRepository
	RetentionRepository
	OutboxQueryRepository
}

// OutboxArchiver copia eventos fuera del almacén principal antes de borrarlos.
type OutboxArchiver interface {
	Archive(ctx context.Context, events []OutboxEvent) error
}

// Clock permite fijar el tiempo en los tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
