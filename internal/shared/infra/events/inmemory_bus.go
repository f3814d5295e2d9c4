package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
)

// DeadLetter es un mensaje que un handler rechazó en el bus en memoria.
type DeadLetter struct {
	Queue   string
	Message sharedBus.Message
	Err     string
}

type memorySubscription struct {
	queue    string
	patterns []string
	ch       chan sharedBus.Message
}

// InMemoryEventBus implementa EventBus y Subscriber con canales de Go.
// Sirve para desarrollo local y tests: aplica el mismo matching de patrones que un
// exchange topic y guarda los mensajes rechazados en lugar de reenviarlos.
type InMemoryEventBus struct {
	bufferSize int
	log        *zap.Logger

	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool

	dlMu        sync.Mutex
	deadLetters []DeadLetter

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Verifica en tiempo de compilación que cumple las interfaces
var (
	_ sharedBus.EventBus   = (*InMemoryEventBus)(nil)
	_ sharedBus.Subscriber = (*InMemoryEventBus)(nil)
)

func NewInMemoryEventBus(bufferSize int, log *zap.Logger) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &InMemoryEventBus{
		bufferSize: bufferSize,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Publish entrega el mensaje a cada suscripción cuyo patrón encaje con la routing key.
func (b *InMemoryEventBus) Publish(ctx context.Context, routingKey string, env sharedEvents.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return sharedBus.ErrBrokerUnavailable
	}

	msg := sharedBus.Message{
		ID:         env.EventID,
		RoutingKey: routingKey,
		Body:       body,
		Headers: map[string]string{
			HeaderTenantID:    env.TenantID,
			HeaderContentType: sharedEvents.ContentTypeJSON,
		},
	}

	for _, sub := range b.subs {
		if !sharedBus.MatchAny(sub.patterns, routingKey) {
			continue
		}
		select {
		case sub.ch <- msg:
		case <-b.stop:
			return sharedBus.ErrBrokerUnavailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe suscribe un nuevo oyente y arranca su goroutine de consumo.
func (b *InMemoryEventBus) Subscribe(ctx context.Context, queue string, patterns []string, handler sharedBus.MessageHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sharedBus.ErrBrokerUnavailable
	}
	sub := &memorySubscription{
		queue:    queue,
		patterns: patterns,
		ch:       make(chan sharedBus.Message, b.bufferSize),
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	b.log.Info("🎧 Iniciando listener en memoria", zap.String("queue", queue), zap.Strings("patterns", patterns))

	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				if err := safeHandle(ctx, handler, msg); err != nil {
					b.log.Warn("❌ Handler falló, mensaje enviado a dead-letter",
						zap.String("queue", queue),
						zap.String("routing_key", msg.RoutingKey),
						zap.Error(err),
					)
					b.dlMu.Lock()
					b.deadLetters = append(b.deadLetters, DeadLetter{Queue: queue, Message: msg, Err: err.Error()})
					b.dlMu.Unlock()
				}
			}
		}
	}()
	return nil
}

// DeadLetters devuelve una copia de los mensajes rechazados.
func (b *InMemoryEventBus) DeadLetters() []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// Close deja de aceptar mensajes y espera a que los oyentes vacíen sus colas.
func (b *InMemoryEventBus) Close() error {
	b.once.Do(func() {
		close(b.stop)

		b.mu.Lock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.mu.Unlock()

		b.wg.Wait()
	})
	return nil
}
