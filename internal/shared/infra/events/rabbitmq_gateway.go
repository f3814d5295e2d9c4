package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RabbitMQConfig agrupa la topología y la conexión del gateway.
type RabbitMQConfig struct {
	URL                string
	Exchange           string
	DeadLetterExchange string
	Prefetch           int
	// ConfirmTimeout es lo que Publish espera el ack del broker. Cero usa DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
}

// DefaultConfirmTimeout es la espera por defecto de la confirmación del broker.
const DefaultConfirmTimeout = 5 * time.Second

const confirmBuffer = 256

var (
	// ErrPublishNacked indica que el broker rechazó el mensaje: cuenta como intento fallido.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrConfirmTimeout indica que el broker no confirmó a tiempo: cuenta como intento fallido.
	ErrConfirmTimeout = errors.New("publish confirmation timed out")
)

// confirmTracker acompaña a un canal en modo confirm. Los delivery tags empiezan en 1 por canal,
// así que se crea uno nuevo en cada conexión.
type confirmTracker struct {
	confirms chan amqp.Confirmation
	lastTag  uint64
}

type subscription struct {
	ctx      context.Context
	queue    string
	patterns []string
	handler  sharedBus.MessageHandler
}

// RabbitMQGateway es el único dueño de la conexión y el canal con el broker.
// Si el broker no está disponible el gateway queda degradado: Publish devuelve
// ErrBrokerUnavailable y las suscripciones se establecen al reconectar.
type RabbitMQGateway struct {
	cfg  RabbitMQConfig
	dial Dialer
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	conn    AMQPConnection
	ch      AMQPChannel
	tracker *confirmTracker
	subs    []subscription
	wg      sync.WaitGroup

	// Serializa los publish para que cada uno espere su propia confirmación.
	publishMu sync.Mutex
}

var (
	_ sharedBus.EventBus   = (*RabbitMQGateway)(nil)
	_ sharedBus.Subscriber = (*RabbitMQGateway)(nil)
)

// NewRabbitMQGateway construye el gateway sin conectar. Con dial nil se usa amqp091-go.
func NewRabbitMQGateway(cfg RabbitMQConfig, dial Dialer, log *zap.Logger) *RabbitMQGateway {
	if dial == nil {
		dial = DialAMQP
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &RabbitMQGateway{
		cfg:  cfg,
		dial: dial,
		log:  log.With(zap.String("component", "rabbitmq_gateway")),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Connect abre conexión y canal y declara los exchanges. Un error deja el gateway degradado.
func (g *RabbitMQGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked()
}

func (g *RabbitMQGateway) connectLocked() error {
	if g.availableLocked() {
		return nil
	}
	g.closeLocked()

	conn, err := g.dial(g.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", redactURL(g.cfg.URL), sanitizeAMQPErr(err, g.cfg.URL))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchanges(ch, g.cfg.Exchange, g.cfg.DeadLetterExchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if g.cfg.Prefetch > 0 {
		if err := ch.Qos(g.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	// Sin confirmaciones un publish sin error solo significa que el frame salió por el socket.
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	tracker := &confirmTracker{confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))}

	g.conn, g.ch, g.tracker = conn, ch, tracker
	g.log.Info("✅ Conectado a RabbitMQ",
		zap.String("url", redactURL(g.cfg.URL)),
		zap.String("exchange", g.cfg.Exchange),
		zap.String("dlx", g.cfg.DeadLetterExchange),
	)
	return nil
}

// Available indica si hay una conexión y un canal vivos.
func (g *RabbitMQGateway) Available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.availableLocked()
}

func (g *RabbitMQGateway) availableLocked() bool {
	return g.conn != nil && !g.conn.IsClosed() && g.ch != nil && !g.ch.IsClosed()
}

// EnsureConnected reconecta un gateway degradado y vuelve a establecer las suscripciones registradas.
func (g *RabbitMQGateway) EnsureConnected(ctx context.Context) error {
	g.mu.Lock()
	if g.availableLocked() {
		g.mu.Unlock()
		return nil
	}
	if err := g.connectLocked(); err != nil {
		g.mu.Unlock()
		g.log.Warn("⚠️ RabbitMQ sigue sin estar disponible", zap.Error(err))
		return err
	}
	subs := append([]subscription(nil), g.subs...)
	g.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		if err := g.startConsumer(sub); err != nil {
			g.log.Error("No se pudo restablecer la suscripción", zap.String("queue", sub.queue), zap.Error(err))
		}
	}
	g.log.Info("🔁 RabbitMQ reconectado", zap.Int("subscriptions", len(subs)))
	return nil
}

// Publish entrega el envelope al exchange principal como mensaje persistente y espera
// la confirmación del broker. Solo un ack cuenta como entregado.
func (g *RabbitMQGateway) Publish(ctx context.Context, routingKey string, env sharedEvents.Envelope) error {
	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	g.mu.RLock()
	ch, tracker := g.ch, g.tracker
	available := g.availableLocked()
	g.mu.RUnlock()

	if !available {
		g.log.Warn("⚠️ Broker no disponible, el evento queda pendiente",
			zap.String("routing_key", routingKey),
			zap.String("event_id", env.EventID),
		)
		return sharedBus.ErrBrokerUnavailable
	}

	body, err := env.Marshal()
	if err != nil {
		return err
	}

	headers := amqp.Table{"tenant_id": env.TenantID}
	injectAMQPTrace(ctx, headers)

	msg := amqp.Publishing{
		ContentType:  sharedEvents.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    g.now(),
		MessageId:    env.EventID,
		Type:         env.EventType,
		Headers:      headers,
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, g.cfg.Exchange, routingKey, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) || ch.IsClosed() {
			return fmt.Errorf("%w: %v", sharedBus.ErrBrokerUnavailable, err)
		}
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	// Un publish que falla al enviar no consume delivery tag.
	tracker.lastTag++

	if err := g.waitConfirm(ctx, tracker, tracker.lastTag); err != nil {
		g.log.Warn("⚠️ El broker no confirmó el evento",
			zap.String("routing_key", routingKey),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		return err
	}

	g.log.Debug("Event published",
		zap.String("routing_key", routingKey),
		zap.String("event_id", env.EventID),
		zap.String("tenant_id", env.TenantID),
	)
	return nil
}

// waitConfirm espera la confirmación con el delivery tag indicado. Las confirmaciones de tags
// anteriores llegan tarde de publish que ya expiraron y se descartan.
func (g *RabbitMQGateway) waitConfirm(ctx context.Context, tracker *confirmTracker, tag uint64) error {
	timeout := time.NewTimer(g.cfg.ConfirmTimeout)
	defer timeout.Stop()

	for {
		select {
		case confirmed, ok := <-tracker.confirms:
			if !ok {
				// amqp091-go cierra el canal de confirmaciones cuando se cierra el canal AMQP.
				return fmt.Errorf("%w: channel closed before confirmation", sharedBus.ErrBrokerUnavailable)
			}
			if confirmed.DeliveryTag < tag {
				continue
			}
			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}
			return nil
		case <-timeout.C:
			return fmt.Errorf("%w after %s", ErrConfirmTimeout, g.cfg.ConfirmTimeout)
		case <-ctx.Done():
			return fmt.Errorf("waiting for publish confirmation: %w", ctx.Err())
		}
	}
}

// Subscribe declara la cola (con su dead-letter) ligada a los patrones y empieza a consumir con ack manual.
// La suscripción queda registrada aunque el broker no esté disponible y se establece al reconectar.
func (g *RabbitMQGateway) Subscribe(ctx context.Context, queue string, patterns []string, handler sharedBus.MessageHandler) error {
	if queue == "" || len(patterns) == 0 || handler == nil {
		return fmt.Errorf("subscribe requires a queue, at least one pattern and a handler")
	}
	sub := subscription{ctx: ctx, queue: queue, patterns: patterns, handler: handler}

	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()

	return g.startConsumer(sub)
}

func (g *RabbitMQGateway) startConsumer(sub subscription) error {
	g.mu.Lock()
	if !g.availableLocked() {
		g.mu.Unlock()
		g.log.Warn("⚠️ Broker no disponible, suscripción pendiente", zap.String("queue", sub.queue))
		return sharedBus.ErrBrokerUnavailable
	}
	ch := g.ch

	if err := declareQueueTopology(ch, g.cfg.Exchange, g.cfg.DeadLetterExchange, sub.queue, sub.patterns); err != nil {
		g.mu.Unlock()
		return err
	}
	deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("failed to consume from %s: %w", sub.queue, err)
	}
	g.wg.Add(1)
	g.mu.Unlock()

	g.log.Info("🎧 Consumidor RabbitMQ iniciado",
		zap.String("queue", sub.queue),
		zap.Strings("patterns", sub.patterns),
	)

	go func() {
		defer g.wg.Done()
		g.consume(sub, deliveries)
	}()
	return nil
}

func (g *RabbitMQGateway) consume(sub subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-sub.ctx.Done():
			g.log.Info("Consumidor RabbitMQ detenido.", zap.String("queue", sub.queue))
			return
		case d, ok := <-deliveries:
			if !ok {
				g.log.Warn("Canal de entregas cerrado", zap.String("queue", sub.queue))
				return
			}
			g.handleDelivery(sub, d)
		}
	}
}

// handleDelivery confirma el mensaje si el handler termina bien; si falla lo rechaza sin
// reencolar para que el broker lo mande al dead-letter exchange.
func (g *RabbitMQGateway) handleDelivery(sub subscription, d amqp.Delivery) {
	ctx := extractAMQPTrace(sub.ctx, d.Headers)
	ctx, span := tracer().Start(ctx, "consume "+sub.queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", sub.queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	msg := sharedBus.Message{
		ID:         d.MessageId,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    tableToStrings(d.Headers),
	}

	if err := safeHandle(ctx, sub.handler, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.Warn("❌ Handler falló, mensaje enviado a dead-letter",
			zap.String("queue", sub.queue),
			zap.String("routing_key", d.RoutingKey),
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			g.log.Error("Nack failed", zap.String("queue", sub.queue), zap.Error(nackErr))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		g.log.Error("Ack failed", zap.String("queue", sub.queue), zap.Error(err))
	}
}

// Close cierra el canal y después la conexión. Los errores solo se registran.
func (g *RabbitMQGateway) Close() error {
	g.mu.Lock()
	g.closeLocked()
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}

func (g *RabbitMQGateway) closeLocked() {
	if g.ch != nil {
		if err := g.ch.Close(); err != nil {
			g.log.Debug("error closing AMQP channel", zap.Error(err))
		}
		g.ch = nil
		g.tracker = nil
	}
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.log.Debug("error closing AMQP connection", zap.Error(err))
		}
		g.conn = nil
	}
}

// ------------------ Helpers ------------------

func safeHandle(ctx context.Context, handler sharedBus.MessageHandler, msg sharedBus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.HandleMessage(ctx, msg)
}

func tableToStrings(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid broker url>"
	}
	return u.Redacted()
}

// sanitizeAMQPErr evita que la contraseña del broker acabe en los logs.
func sanitizeAMQPErr(err error, raw string) error {
	if err == nil || raw == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, raw) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, raw, redactURL(raw)))
}
