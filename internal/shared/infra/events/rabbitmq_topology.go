package events

import (
	"context"
	"fmt"

	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel es el subconjunto de *amqp.Channel que usa el gateway.
// Permite sustituir el canal por un fake en los tests.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// AMQPConnection es el subconjunto de *amqp.Connection que usa el gateway.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	Close() error
}

// Dialer abre una conexión nueva con el broker.
type Dialer func(url string) (AMQPConnection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP es el Dialer real basado en amqp091-go.
func DialAMQP(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// declareExchanges declara el exchange principal y el de dead-letter, ambos topic y durables.
func declareExchanges(ch AMQPChannel, exchange, deadLetterExchange string) error {
	for _, name := range []string{exchange, deadLetterExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// DeadLetterQueueName es la cola donde se pueden inspeccionar los mensajes rechazados de queue.
func DeadLetterQueueName(queue string) string {
	return queue + ".dlq"
}

// deadLetterArgs son los argumentos con los que se declara una cola de consumidor.
func deadLetterArgs(deadLetterExchange, queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": sharedBus.DeadLetterRoutingKey(queue),
	}
}

// declareQueueTopology declara la dead-letter queue, la cola principal y sus bindings.
func declareQueueTopology(ch AMQPChannel, exchange, deadLetterExchange, queue string, patterns []string) error {
	dlq := DeadLetterQueueName(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, sharedBus.DeadLetterRoutingKey(queue), deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, deadLetterArgs(deadLetterExchange, queue)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", queue, pattern, err)
		}
	}
	return nil
}
