package bus

import (
	"context"
	"errors"

	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
)

// ErrBrokerUnavailable indica que no hay conexión viva con el broker: el mensaje NO se entregó.
// El dispatcher lo distingue de un intento de publicación fallido.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// EventBus publica un envelope con una routing key. La topología la deciden los adapters.
type EventBus interface {
	Publish(ctx context.Context, routingKey string, env sharedEvents.Envelope) error
}

// Message es lo que recibe un handler, independiente del transporte.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// MessageHandler define la interfaz que debe cumplir cualquier consumidor de eventos.
// Devolver error manda el mensaje a dead-letter.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapta una función a MessageHandler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Subscriber declara una cola ligada a los patrones dados y empieza a consumir.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, patterns []string, handler MessageHandler) error
}

// DeadLetterRoutingKey es la routing key con la que se reenvían los mensajes rechazados de una cola.
func DeadLetterRoutingKey(queue string) string {
	return queue + ".failed"
}
