package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message is an entry delivered by a PubSubBroker. It stays in the group's
// pending entries list until Ack is called.
type Message[T any] struct {
	Delivery[T]
	consumer *StreamConsumer[T]
}

// Ack acknowledges the entry for the group it was delivered to. Other
// groups reading the same topic are not affected.
func (m *Message[T]) Ack(ctx context.Context) error {
	return m.consumer.ack(ctx, m.Topic, m.Group, m.ID)
}

// Handler processes a delivered message.
type Handler[T any] func(ctx context.Context, msg *Message[T])

// PubSubBroker publishes entries to topics and delivers them to every
// consumer group subscribed to those topics.
type PubSubBroker[T any] struct {
	*StreamConsumer[T]
	handlers registry[Handler[T]]
}

// NewPubSub creates a publish/subscribe broker.
func NewPubSub[T any](client *redis.Client, codec Codec[T], cfg Config) (*PubSubBroker[T], error) {
	b := &PubSubBroker[T]{}
	consumer, err := NewStreamConsumer(client, codec, cfg, b.dispatch)
	if err != nil {
		return nil, err
	}
	b.StreamConsumer = consumer
	return b, nil
}

// Publish appends data to topic and returns the entry id. It only waits for
// the write, not for delivery.
func (b *PubSubBroker[T]) Publish(ctx context.Context, topic string, data T) (string, error) {
	payload, err := b.codec.Encode(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for %q: %w", topic, err)
	}
	return b.publish(ctx, topic, payload)
}

// On registers a handler for entries read from topic. Handlers run on the
// read loop in registration order.
func (b *PubSubBroker[T]) On(topic string, handler Handler[T]) {
	b.handlers.add(topic, handler)
}

func (b *PubSubBroker[T]) dispatch(ctx context.Context, d Delivery[T]) {
	for _, h := range b.handlers.get(d.Topic) {
		msg := &Message[T]{Delivery: d, consumer: b.StreamConsumer}
		safeInvoke(b.logger, d.Topic, d.ID, func() { h(ctx, msg) })
	}
}
