package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/streambroker/pkg/broker"
	"go.uber.org/zap"
)

// DefaultSendTopic carries outbound payloads to the gateway process.
const DefaultSendTopic = "gateway_send"

// Packet is the stream payload of both dispatched events and send commands.
type Packet[T any] struct {
	ShardID int `json:"shard_id"`
	Payload T   `json:"payload"`
}

// Dispatch is a gateway event as seen by consumers.
type Dispatch[T any] struct {
	Event   string
	ShardID int
	Data    T
}

// DispatchHandler receives relayed events. It runs on the broker read loop,
// so it must not block: later entries are not read until it returns. Hand
// work off without waiting, e.g. with workers.Pool.TrySubmit.
type DispatchHandler[T any] func(ctx context.Context, d Dispatch[T])

// SendHandler writes an outbound payload to the connection of a shard.
// A nil error acknowledges the send command.
type SendHandler[T any] func(ctx context.Context, shardID int, payload T) error

// Config holds relay configuration.
type Config struct {
	// Group is the consumer group used by Init. Consumers of one logical
	// service share it and load-balance events.
	Group string

	// ShardCount bounds the shard ids accepted by Send and PublishDispatch.
	ShardCount int

	// SendTopic defaults to DefaultSendTopic.
	SendTopic string

	Logger *zap.Logger
}

// Relay wraps a pub/sub broker with the gateway event conventions.
type Relay[T any] struct {
	broker *broker.PubSubBroker[Packet[T]]
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []DispatchHandler[T]
}

// NewRelay creates a relay over b.
func NewRelay[T any](b *broker.PubSubBroker[Packet[T]], cfg Config) (*Relay[T], error) {
	if b == nil {
		return nil, fmt.Errorf("gateway: broker is required")
	}
	if cfg.Group == "" {
		return nil, ErrMissingGroup
	}
	if cfg.ShardCount <= 0 {
		return nil, ErrInvalidShardCount
	}
	if cfg.SendTopic == "" {
		cfg.SendTopic = DefaultSendTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Relay[T]{
		broker: b,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("relay_group", cfg.Group)),
	}, nil
}

// ShardCount returns the configured number of shards.
func (r *Relay[T]) ShardCount() int {
	return r.cfg.ShardCount
}

// SendTopic returns the topic used for outbound payloads.
func (r *Relay[T]) SendTopic() string {
	return r.cfg.SendTopic
}

// OnDispatch registers a handler for events relayed after Init.
func (r *Relay[T]) OnDispatch(handler DispatchHandler[T]) {
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	r.mu.Unlock()
}

// Init listens to every named event and subscribes to all of them at once.
// Each entry is acknowledged as soon as it is read and then passed to the
// dispatch handlers, so a slow or failing handler never holds it pending.
func (r *Relay[T]) Init(ctx context.Context, events ...string) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	for _, event := range events {
		event := event
		r.broker.On(event, func(ctx context.Context, msg *broker.Message[Packet[T]]) {
			if err := msg.Ack(ctx); err != nil {
				r.logger.Warn("failed to acknowledge dispatch",
					zap.String("topic", event),
					zap.String("entry_id", msg.ID),
					zap.Error(err))
			}
			r.emit(ctx, msg.ID, Dispatch[T]{
				Event:   event,
				ShardID: msg.Data.ShardID,
				Data:    msg.Data.Payload,
			})
		})
	}

	if err := r.broker.Subscribe(ctx, r.cfg.Group, events...); err != nil {
		return fmt.Errorf("failed to subscribe to gateway events: %w", err)
	}

	r.logger.Info("relay initialized", zap.Strings("events", events))
	return nil
}

// Send asks the gateway process to write payload to the connection of
// shardID. It returns once the command is stored, not when it is written.
func (r *Relay[T]) Send(ctx context.Context, shardID int, payload T) (string, error) {
	if err := r.validShard(shardID); err != nil {
		return "", err
	}
	return r.broker.Publish(ctx, r.cfg.SendTopic, Packet[T]{ShardID: shardID, Payload: payload})
}

// PublishDispatch is used by the gateway process to relay an event received
// on shardID to consumers.
func (r *Relay[T]) PublishDispatch(ctx context.Context, event string, shardID int, data T) (string, error) {
	if err := r.validShard(shardID); err != nil {
		return "", err
	}
	return r.broker.Publish(ctx, event, Packet[T]{ShardID: shardID, Payload: data})
}

// ServeSends subscribes the gateway process to send commands under group.
// The group must not be shared with other processes: every command has to
// reach the process that owns the shard. Commands are acknowledged when the
// handler succeeds; commands for unknown shards are acknowledged and dropped.
func (r *Relay[T]) ServeSends(ctx context.Context, group string, handler SendHandler[T]) error {
	if group == "" {
		return ErrMissingGroup
	}

	r.broker.On(r.cfg.SendTopic, func(ctx context.Context, msg *broker.Message[Packet[T]]) {
		shardID := msg.Data.ShardID
		logger := r.logger.With(zap.String("entry_id", msg.ID), zap.Int("shard_id", shardID))

		if err := r.validShard(shardID); err != nil {
			logger.Warn("dropping send for unknown shard")
		} else if err := handler(ctx, shardID, msg.Data.Payload); err != nil {
			logger.Warn("failed to deliver send", zap.Error(err))
			return
		}

		if err := msg.Ack(ctx); err != nil {
			logger.Warn("failed to acknowledge send", zap.Error(err))
		}
	})

	if err := r.broker.Subscribe(ctx, group, r.cfg.SendTopic); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", r.cfg.SendTopic, err)
	}
	return nil
}

func (r *Relay[T]) emit(ctx context.Context, id string, d Dispatch[T]) {
	r.mu.RLock()
	handlers := append([]DispatchHandler[T](nil), r.handlers...)
	r.mu.RUnlock()

	for _, h := range handlers {
		r.invoke(ctx, id, h, d)
	}
}

// invoke runs one handler; a panic is logged and the remaining handlers
// still run.
func (r *Relay[T]) invoke(ctx context.Context, id string, h DispatchHandler[T], d Dispatch[T]) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("dispatch handler panicked",
				zap.String("topic", d.Event),
				zap.String("entry_id", id),
				zap.Int("shard_id", d.ShardID),
				zap.Any("panic", v))
		}
	}()
	h(ctx, d)
}

func (r *Relay[T]) validShard(shardID int) error {
	if shardID < 0 || shardID >= r.cfg.ShardCount {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidShard, shardID, r.cfg.ShardCount)
	}
	return nil
}
