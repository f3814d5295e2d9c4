package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/analytics/domain"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	sharedUtils "github.com/davicafu/hexaretail/internal/shared/infra/utils"
)

// Recorder es lo que el consumidor necesita del servicio de analítica.
type Recorder interface {
	Record(ctx context.Context, evt domain.DeliveredEvent) error
}

// ProjectionConsumer escribe cada envelope recibido en la proyección de analítica.
type ProjectionConsumer struct {
	recorder Recorder
	clock    sharedDomain.Clock
	timeout  time.Duration
	log      *zap.Logger
}

var _ sharedBus.MessageHandler = (*ProjectionConsumer)(nil)

func NewProjectionConsumer(recorder Recorder, log *zap.Logger) *ProjectionConsumer {
	return &ProjectionConsumer{
		recorder: recorder,
		clock:    sharedDomain.SystemClock{},
		timeout:  5 * time.Second,
		log:      log.With(zap.String("component", "analytics_consumer")),
	}
}

func (c *ProjectionConsumer) WithClock(clock sharedDomain.Clock) *ProjectionConsumer {
	c.clock = clock
	return c
}

// HandleMessage devuelve error si el mensaje no es un envelope válido o no se pudo guardar;
// en ambos casos el transporte lo manda a dead-letter.
func (c *ProjectionConsumer) HandleMessage(ctx context.Context, msg sharedBus.Message) error {
	env, err := sharedEvents.DecodeEnvelope(msg.Body)
	if err != nil {
		c.log.Warn("Mensaje descartado: envelope inválido", zap.String("message_id", msg.ID), zap.Error(err))
		return err
	}

	evt := domain.DeliveredEvent{
		EventID:       msg.ID,
		TenantID:      env.TenantID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventType:     env.EventType,
		RoutingKey:    env.RoutingKey(),
		Payload:       string(env.Payload),
		OccurredAt:    env.Timestamp,
		ReceivedAt:    c.clock.Now(),
	}
	if evt.EventID == "" {
		// Sin message-id no hay deduplicación posible; se deriva uno estable del contenido.
		evt.EventID = fmt.Sprintf("%s:%s:%d", evt.RoutingKey, evt.AggregateID, env.Timestamp.UnixNano())
	}

	if evt.RoutingKey == domain.OrderCreatedKey {
		sharedUtils.UnmarshalAndHandle(c.log, env.Payload, func(p sharedEvents.OrderCreated) {
			evt.Amount = p.Total
		})
	}

	recordCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.recorder.Record(recordCtx, evt); err != nil {
		return err
	}

	c.log.Debug("📊 Evento proyectado",
		zap.String("event_id", evt.EventID),
		zap.String("routing_key", evt.RoutingKey),
		zap.String("tenant_id", evt.TenantID),
	)
	return nil
}
