package events

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
)

// Cabeceras que acompañan a cada mensaje publicado en Kafka.
const (
	HeaderRoutingKey  = "routing_key"
	HeaderMessageID   = "message_id"
	HeaderTenantID    = "tenant_id"
	HeaderContentType = "content_type"
)

// KafkaWriter es el subconjunto de *kafka.Writer que usan los adapters.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publica envelopes en un único topic. La routing key viaja como cabecera
// y la clave de partición es el aggregateId, así se conserva el orden por agregado.
type KafkaPublisher struct {
	writer KafkaWriter
	log    *zap.Logger
}

func NewKafkaPublisher(writer KafkaWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, routingKey string, env sharedEvents.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: HeaderRoutingKey, Value: []byte(routingKey)},
		{Key: HeaderMessageID, Value: []byte(env.EventID)},
		{Key: HeaderTenantID, Value: []byte(env.TenantID)},
		{Key: HeaderContentType, Value: []byte(sharedEvents.ContentTypeJSON)},
	}
	injectKafkaTrace(ctx, &headers)

	msg := kafka.Message{
		Key:     []byte(env.AggregateID),
		Value:   data,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka", zap.String("routing_key", routingKey), zap.Error(err))
		if isKafkaUnavailable(err) {
			return fmt.Errorf("%w: %v", sharedBus.ErrBrokerUnavailable, err)
		}
		return err
	}

	p.log.Debug("Event published successfully",
		zap.String("routing_key", routingKey),
		zap.String("event_id", env.EventID),
	)
	return nil
}

// isKafkaUnavailable distingue "no hay cluster" de un fallo del propio mensaje.
func isKafkaUnavailable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, kafka.BrokerNotAvailable) ||
		errors.Is(err, kafka.LeaderNotAvailable) ||
		errors.Is(err, kafka.NetworkException)
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Verificación estática
var _ sharedBus.EventBus = (*KafkaPublisher)(nil)
