package message_broker

import "context"

// MessageBroker moves opaque payloads between processes.
// For RabbitMQ queue names a bound queue; for Redis it names a pub/sub channel.
type MessageBroker interface {
	Publish(ctx context.Context, queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}
