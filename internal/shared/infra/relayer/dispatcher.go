package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
)

const (
	DefaultBatchSize         = 100
	DefaultProcessingTimeout = 5 * time.Minute
)

var tracer = otel.Tracer("github.com/davicafu/hexaretail/internal/shared/infra/relayer")

// DispatcherConfig controla el tamaño del lote, el límite de reintentos y cuándo
// una fila en PROCESSING se considera abandonada.
type DispatcherConfig struct {
	BatchSize         int
	MaxRetries        int
	ProcessingTimeout time.Duration
}

// DispatchResult resume un barrido.
type DispatchResult struct {
	Fetched   int
	Published int
	Retried   int
	Failed    int
	Released  int
	Skipped   int
	Errors    int
	Reset     int64
	Exhausted int64
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeReleased
	outcomeSkipped
	outcomeError
)

// Dispatcher publica los eventos PENDING del outbox y aplica la máquina de estados:
// PENDING -> PROCESSING -> COMPLETED | PENDING (reintento) | FAILED.
type Dispatcher struct {
	repo  sharedDomain.OutboxRepository
	bus   sharedBus.EventBus
	cfg   DispatcherConfig
	clock sharedDomain.Clock
	log   *zap.Logger
}

func NewDispatcher(repo sharedDomain.OutboxRepository, bus sharedBus.EventBus, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = sharedDomain.MaxRetries
	}
	return &Dispatcher{
		repo:  repo,
		bus:   bus,
		cfg:   cfg,
		clock: sharedDomain.SystemClock{},
		log:   log.With(zap.String("component", "outbox_dispatcher")),
	}
}

func (d *Dispatcher) WithClock(clock sharedDomain.Clock) *Dispatcher {
	d.clock = clock
	return d
}

// Run es la firma que espera el Scheduler.
func (d *Dispatcher) Run(ctx context.Context) error {
	_, err := d.ProcessBatch(ctx)
	return err
}

// ProcessBatch ejecuta un barrido completo. El error solo indica que no se pudo leer el lote:
// los fallos de cada evento se registran en su fila y no abortan el resto.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (DispatchResult, error) {
	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var res DispatchResult

	if d.cfg.ProcessingTimeout > 0 {
		n, err := d.repo.ResetStuckProcessing(ctx, d.clock.Now().Add(-d.cfg.ProcessingTimeout))
		if err != nil {
			d.log.Warn("⚠️ Error al liberar eventos atascados en PROCESSING", zap.Error(err))
		} else if n > 0 {
			res.Reset = n
			d.log.Warn("♻️ Eventos atascados devueltos a PENDING", zap.Int64("count", n))
		}
	}

	// Filas PENDING fuera del presupuesto actual (p. ej. tras bajar el máximo): el fetch no las ve.
	if n, err := d.repo.FailExhaustedPending(ctx, d.cfg.MaxRetries); err != nil {
		d.log.Warn("⚠️ Error al cerrar eventos sin reintentos", zap.Error(err))
	} else if n > 0 {
		res.Exhausted = n
		d.log.Warn("💀 Eventos PENDING sin reintentos marcados como FAILED",
			zap.Int64("count", n),
			zap.Int("max_retries", d.cfg.MaxRetries),
		)
	}

	events, err := d.repo.FetchPendingOutbox(ctx, d.cfg.BatchSize, d.cfg.MaxRetries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn("⚠️ Error al obtener eventos pendientes", zap.Error(err))
		return res, fmt.Errorf("fetch pending outbox: %w", err)
	}
	res.Fetched = len(events)
	if len(events) > 0 {
		d.log.Info(fmt.Sprintf("📬 %d eventos encontrados para procesar", len(events)))
	}

loop:
	for i, evt := range events {
		if ctx.Err() != nil {
			res.Skipped += len(events) - i
			break
		}
		switch d.dispatchOne(ctx, evt) {
		case outcomePublished:
			res.Published++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeSkipped:
			res.Skipped++
		case outcomeError:
			res.Errors++
		case outcomeReleased:
			res.Released++
			// Sin broker no tiene sentido reclamar el resto del lote.
			res.Skipped += len(events) - i - 1
			d.log.Warn("⚠️ Broker no disponible, barrido interrumpido",
				zap.Int("pending_in_batch", len(events)-i-1),
			)
			break loop
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.fetched", res.Fetched),
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.retried", res.Retried),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.released", res.Released),
		attribute.Int64("outbox.exhausted", res.Exhausted),
	)
	return res, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, evt sharedDomain.OutboxEvent) outcome {
	log := d.log.With(
		zap.String("event_id", evt.ID.String()),
		zap.String("tenant_id", evt.TenantID),
		zap.Int("retry_count", evt.RetryCount),
	)

	// 1. Claim: solo el que cambia PENDING -> PROCESSING publica.
	claimed, err := d.repo.ClaimOutbox(ctx, evt.ID)
	if err != nil {
		log.Warn("⚠️ No se pudo reclamar evento", zap.Error(err))
		return outcomeError
	}
	if !claimed {
		log.Debug("Evento reclamado por otro dispatcher")
		return outcomeSkipped
	}

	// Una vez reclamado, la fila tiene que salir de PROCESSING aunque se cancele el barrido.
	stateCtx := context.WithoutCancel(ctx)

	// 2. Envelope y routing key
	env, err := sharedEvents.NewEnvelope(evt)
	if err != nil {
		return d.failAttempt(stateCtx, log, evt, err)
	}
	routingKey := env.RoutingKey()

	// 3. Publicar
	if err := d.bus.Publish(ctx, routingKey, env); err != nil {
		// Un barrido cancelado (apagado) no es culpa del evento: tampoco consume reintentos.
		if errors.Is(err, sharedBus.ErrBrokerUnavailable) || ctx.Err() != nil {
			if ctx.Err() != nil {
				log.Info("Barrido cancelado durante el publish, evento devuelto a PENDING", zap.Error(err))
			}
			if relErr := d.repo.ReleaseOutbox(stateCtx, evt.ID); relErr != nil {
				log.Error("No se pudo devolver el evento a PENDING", zap.Error(relErr))
				return outcomeError
			}
			return outcomeReleased
		}
		return d.failAttempt(stateCtx, log.With(zap.String("routing_key", routingKey)), evt, err)
	}

	// 4. Marcar COMPLETED
	if err := d.repo.MarkOutboxCompleted(stateCtx, evt.ID, d.clock.Now()); err != nil {
		log.Warn("⚠️ Evento publicado pero no se pudo marcar como COMPLETED",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return outcomePublished
	}
	log.Info("✅ Evento publicado y marcado", zap.String("routing_key", routingKey))
	return outcomePublished
}

func (d *Dispatcher) failAttempt(ctx context.Context, log *zap.Logger, evt sharedDomain.OutboxEvent, cause error) outcome {
	status, err := d.repo.MarkOutboxFailedAttempt(ctx, evt.ID, sharedDomain.TruncateError(cause), d.cfg.MaxRetries)
	if err != nil {
		log.Error("No se pudo registrar el intento fallido", zap.NamedError("cause", cause), zap.Error(err))
		return outcomeError
	}
	if status == sharedDomain.OutboxFailed {
		log.Error("🚨 Evento agotó sus reintentos y queda en FAILED",
			zap.Int("max_retries", d.cfg.MaxRetries),
			zap.Error(cause),
		)
		return outcomeFailed
	}
	log.Warn("⚠️ No se pudo publicar evento, se reintentará", zap.Error(cause))
	return outcomeRetried
}
