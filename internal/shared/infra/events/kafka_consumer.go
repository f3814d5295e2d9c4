package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
)

// KafkaReader es el subconjunto de *kafka.Reader que usa el subscriber.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory crea un reader para el consumer group indicado (uno por cola lógica).
type ReaderFactory func(groupID string) KafkaReader

const (
	defaultRetryMin = 500 * time.Millisecond
	defaultRetryMax = 30 * time.Second
)

// KafkaSubscriber emula la semántica de colas de RabbitMQ sobre Kafka: cada cola es un
// consumer group, los patrones se filtran en cliente y los mensajes que fallan se
// reenvían al topic <cola>.failed antes de confirmar el offset.
//
// Un commit confirma todo lo anterior de la partición, así que el consumidor nunca avanza
// más allá de un mensaje que no se procesó ni llegó a dead-letter: reintenta la escritura
// en dead-letter hasta que funcione o se detenga.
type KafkaSubscriber struct {
	newReader  ReaderFactory
	deadLetter KafkaWriter
	log        *zap.Logger

	retryMin time.Duration
	retryMax time.Duration

	mu       sync.Mutex
	readers  []KafkaReader
	wg       sync.WaitGroup
	closing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewKafkaSubscriber(newReader ReaderFactory, deadLetter KafkaWriter, log *zap.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		newReader:  newReader,
		deadLetter: deadLetter,
		log:        log,
		retryMin:   defaultRetryMin,
		retryMax:   defaultRetryMax,
		stop:       make(chan struct{}),
	}
}

// WithRetryBackoff ajusta la espera entre reintentos de lectura y de dead-letter.
func (s *KafkaSubscriber) WithRetryBackoff(min, max time.Duration) *KafkaSubscriber {
	if min > 0 {
		s.retryMin = min
	}
	if max >= s.retryMin {
		s.retryMax = max
	}
	return s
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, queue string, patterns []string, handler sharedBus.MessageHandler) error {
	if queue == "" || len(patterns) == 0 || handler == nil {
		return fmt.Errorf("subscribe requires a queue, at least one pattern and a handler")
	}
	reader := s.newReader(queue)

	s.mu.Lock()
	s.readers = append(s.readers, reader)
	s.mu.Unlock()

	s.log.Info("🎧 Iniciando consumidor de Kafka...",
		zap.String("group", queue),
		zap.Strings("patterns", patterns),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, reader, queue, patterns, handler)
	}()
	return nil
}

func (s *KafkaSubscriber) consume(ctx context.Context, reader KafkaReader, queue string, patterns []string, handler sharedBus.MessageHandler) {
	backoff := s.retryMin
	for {
		// FetchMessage es una llamada bloqueante.
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closing.Load() {
				s.log.Info("Consumidor de Kafka detenido.", zap.String("group", queue))
				return
			}
			s.log.Error("Error al leer mensaje de Kafka", zap.String("group", queue), zap.Duration("retry_in", backoff), zap.Error(err))
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}
		backoff = s.retryMin

		routingKey := headerValue(msg.Headers, HeaderRoutingKey)
		if sharedBus.MatchAny(patterns, routingKey) {
			if !s.handle(ctx, queue, msg, routingKey, handler) {
				// Sin commit: al volver a unirse al grupo se relee desde el último offset confirmado.
				s.log.Warn("Consumidor de Kafka detenido con un mensaje sin confirmar",
					zap.String("group", queue),
					zap.Int64("offset", msg.Offset),
				)
				return
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			s.log.Error("Commit failed", zap.String("group", queue), zap.Error(err))
		}
	}
}

// handle devuelve false solo si el consumidor se detuvo antes de procesar el mensaje o de
// dejarlo en dead-letter: en ese caso no se confirma el offset.
func (s *KafkaSubscriber) handle(ctx context.Context, queue string, msg kafka.Message, routingKey string, handler sharedBus.MessageHandler) bool {
	spanCtx, span := tracer().Start(extractKafkaTrace(ctx, msg.Headers), "consume "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.consumer.group.name", queue),
			attribute.String("messaging.kafka.routing_key", routingKey),
		),
	)
	defer span.End()

	m := sharedBus.Message{
		ID:         headerValue(msg.Headers, HeaderMessageID),
		RoutingKey: routingKey,
		Body:       msg.Value,
		Headers:    kafkaHeadersToStrings(msg.Headers),
	}

	err := safeHandle(spanCtx, handler, m)
	if err == nil {
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.log.Warn("❌ Handler falló, mensaje enviado a dead-letter",
		zap.String("group", queue),
		zap.String("routing_key", routingKey),
		zap.String("message_id", m.ID),
		zap.Error(err),
	)

	dead := kafka.Message{
		Topic:   sharedBus.DeadLetterRoutingKey(queue),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...), kafka.Header{Key: "error", Value: []byte(err.Error())}),
	}
	backoff := s.retryMin
	for {
		dlqErr := s.deadLetter.WriteMessages(ctx, dead)
		if dlqErr == nil {
			return true
		}
		s.log.Error("No se pudo escribir en dead-letter",
			zap.String("group", queue),
			zap.String("message_id", m.ID),
			zap.Duration("retry_in", backoff),
			zap.Error(dlqErr),
		)
		if !s.sleep(ctx, backoff) {
			return false
		}
		backoff = s.nextBackoff(backoff)
	}
}

// sleep espera d y devuelve false si el contexto termina o el subscriber se cierra antes.
func (s *KafkaSubscriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

func (s *KafkaSubscriber) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.retryMax {
		return s.retryMax
	}
	return d
}

// Close cierra los readers y espera a que terminen los bucles de consumo.
func (s *KafkaSubscriber) Close() error {
	s.closing.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	for _, r := range readers {
		if err := r.Close(); err != nil {
			s.log.Debug("error closing kafka reader", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

func kafkaHeadersToStrings(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

var _ sharedBus.Subscriber = (*KafkaSubscriber)(nil)
