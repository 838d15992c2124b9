package message_broker

import (
	"context"
	"fmt"
	"github.com/redis/go-redis/v9"
)

// Redis publishes over Redis pub/sub. Subscribers that are not connected when a
// message is published never see it.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume subscribes to channel and returns once the subscription is confirmed.
// The returned channel is closed when ctx is done.
func (r *Redis) Consume(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	msgs := sub.Channel()
	out := make(chan []byte, 1000)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
