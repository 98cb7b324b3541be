package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// dataField is the only stream entry field written and read by the brokers.
const dataField = "data"

// State is the lifecycle state of a consumer's read loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delivery is a decoded stream entry together with the context needed to
// acknowledge or reply to it.
type Delivery[T any] struct {
	Topic string
	Group string
	ID    string
	Data  T
}

// DispatchFunc receives every decoded entry read by a StreamConsumer.
type DispatchFunc[T any] func(ctx context.Context, d Delivery[T])

// ErrorHandler receives transport errors that terminated the read loop.
type ErrorHandler func(err error)

// StreamConsumer owns a set of topics, joins their consumer groups and runs
// a single blocking read loop that decodes entries and hands them to a
// DispatchFunc. PubSubBroker and RPCBroker are built on it.
type StreamConsumer[T any] struct {
	client   *redis.Client
	reader   *redis.Client
	codec    Codec[T]
	cfg      Config
	logger   *zap.Logger
	metrics  Metrics
	dispatch DispatchFunc[T]

	// subMu serializes Subscribe and Unsubscribe so the local topic set and
	// the Redis-side group membership change in the same order.
	subMu sync.Mutex

	mu     sync.Mutex
	state  State
	group  string
	topics []string

	errMu       sync.RWMutex
	errHandlers []ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamConsumer creates a consumer. Blocking reads run on a dedicated
// connection duplicated from client so they never stall ordinary commands.
func NewStreamConsumer[T any](client *redis.Client, codec Codec[T], cfg Config, dispatch DispatchFunc[T]) (*StreamConsumer[T], error) {
	if client == nil {
		return nil, fmt.Errorf("broker: redis client is required")
	}
	if cfg.Name == "" {
		return nil, ErrMissingName
	}
	if err := codec.validate(); err != nil {
		return nil, err
	}
	if dispatch == nil {
		return nil, fmt.Errorf("broker: dispatch function is required")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &StreamConsumer[T]{
		client:   client,
		reader:   duplicateClient(client),
		codec:    codec,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("consumer", cfg.Name)),
		metrics:  cfg.Metrics,
		dispatch: dispatch,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// duplicateClient opens a separate single-connection client with the same
// settings as client.
func duplicateClient(client *redis.Client) *redis.Client {
	opts := *client.Options()
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	return redis.NewClient(&opts)
}

// Name returns the consumer name used in every group.
func (c *StreamConsumer[T]) Name() string {
	return c.cfg.Name
}

// Subscribe joins group on every topic, creating streams and groups as
// needed, adds the topics to the read set and makes sure the read loop runs.
// It may be called repeatedly; later calls extend the set.
func (c *StreamConsumer[T]) Subscribe(ctx context.Context, group string, topics ...string) error {
	if group == "" {
		return ErrMissingGroup
	}
	if len(topics) == 0 {
		return ErrNoTopics
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.State() == StateStopped {
		return ErrClosed
	}

	for _, topic := range topics {
		err := c.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("failed to create consumer group %q on %q: %w", group, topic, err)
		}
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrClosed
	}
	c.group = group
	for _, topic := range topics {
		if !containsTopic(c.topics, topic) {
			c.topics = append(c.topics, topic)
		}
	}
	start := c.state == StateIdle
	if start {
		c.state = StateRunning
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if start {
		go c.readLoop()
	}

	c.logger.Info("subscribed to streams",
		zap.String("group", group),
		zap.Strings("topics", topics),
		zap.Bool("loop_started", start))

	return nil
}

// Unsubscribe leaves group on every topic: this consumer is deleted from
// the group, stale consumers are cleaned up, and the topics leave the read
// set. The read loop stops by itself once the set is empty.
func (c *StreamConsumer[T]) Unsubscribe(ctx context.Context, group string, topics ...string) error {
	if group == "" {
		return ErrMissingGroup
	}
	if len(topics) == 0 {
		return ErrNoTopics
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	pipe := c.client.Pipeline()
	for _, topic := range topics {
		pipe.XGroupDelConsumer(ctx, topic, group, c.cfg.Name)
		queueCleanGroup(ctx, pipe, topic, group, c.cfg.CleanupIdle)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to leave consumer group %q: %w", group, err)
	}

	c.mu.Lock()
	kept := c.topics[:0]
	for _, topic := range c.topics {
		if !containsTopic(topics, topic) {
			kept = append(kept, topic)
		}
	}
	c.topics = kept
	c.mu.Unlock()

	c.logger.Info("unsubscribed from streams",
		zap.String("group", group),
		zap.Strings("topics", topics))

	return nil
}

// OnError registers a handler for transport errors that end the read loop.
func (c *StreamConsumer[T]) OnError(handler ErrorHandler) {
	c.errMu.Lock()
	c.errHandlers = append(c.errHandlers, handler)
	c.errMu.Unlock()
}

// State returns the read loop state.
func (c *StreamConsumer[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics returns a copy of the subscribed topic set in subscription order.
func (c *StreamConsumer[T]) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Close stops the read loop and closes the dedicated read connection. The
// caller-owned client is left open.
func (c *StreamConsumer[T]) Close() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()

	c.cancel()
	err := c.reader.Close()
	c.wg.Wait()

	c.logger.Info("stream consumer closed")
	return err
}

// publish encodes data and appends it to topic.
func (c *StreamConsumer[T]) publish(ctx context.Context, topic string, data []byte) (string, error) {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: map[string]interface{}{dataField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream %q: %w", topic, err)
	}

	c.metrics.RecordPublished(topic)
	c.logger.Debug("entry published",
		zap.String("topic", topic),
		zap.String("entry_id", id))

	return id, nil
}

// ack acknowledges one entry for one group.
func (c *StreamConsumer[T]) ack(ctx context.Context, topic, group, id string) error {
	if err := c.client.XAck(ctx, topic, group, id).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge entry %s on %q: %w", id, topic, err)
	}
	c.metrics.RecordAcked(topic, group)
	return nil
}

func (c *StreamConsumer[T]) readLoop() {
	defer c.wg.Done()

	c.logger.Debug("read loop started")

	for {
		c.mu.Lock()
		if c.state != StateRunning || len(c.topics) == 0 {
			if c.state == StateRunning {
				c.state = StateIdle
			}
			c.mu.Unlock()
			c.logger.Debug("read loop stopped")
			return
		}
		group := c.group
		topics := append([]string(nil), c.topics...)
		c.mu.Unlock()

		streams := make([]string, 0, 2*len(topics))
		streams = append(streams, topics...)
		for range topics {
			streams = append(streams, ">")
		}

		result, err := c.reader.XReadGroup(c.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.cfg.Name,
			Streams:  streams,
			Count:    c.cfg.MaxChunk,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			c.fail(group, err)
			return
		}

		for _, stream := range result {
			if !c.isSubscribed(stream.Stream) {
				// Left the set while the read was in flight; the entries
				// stay pending for the group.
				continue
			}
			for _, message := range stream.Messages {
				c.handle(group, stream.Stream, message)
			}
		}
	}
}

func (c *StreamConsumer[T]) handle(group, topic string, message redis.XMessage) {
	raw, ok := message.Values[dataField]
	if !ok {
		c.logger.Debug("skipping entry without data field",
			zap.String("topic", topic),
			zap.String("entry_id", message.ID))
		c.metrics.RecordSkipped(topic, "missing_data")
		return
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		c.logger.Warn("skipping entry with invalid data field",
			zap.String("topic", topic),
			zap.String("entry_id", message.ID))
		c.metrics.RecordSkipped(topic, "invalid_data")
		return
	}

	payload, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn("failed to decode entry",
			zap.String("topic", topic),
			zap.String("entry_id", message.ID),
			zap.Error(err))
		c.metrics.RecordSkipped(topic, "decode_error")
		return
	}

	c.metrics.RecordDelivered(topic, group)
	c.dispatch(c.ctx, Delivery[T]{
		Topic: topic,
		Group: group,
		ID:    message.ID,
		Data:  payload,
	})
}

// fail puts the loop back to idle so a later Subscribe can start a new one,
// then reports err.
func (c *StreamConsumer[T]) fail(group string, err error) {
	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.logger.Error("failed to read from streams",
		zap.String("group", group),
		zap.Error(err))
	c.metrics.RecordReadError()

	c.errMu.RLock()
	handlers := append([]ErrorHandler(nil), c.errHandlers...)
	c.errMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *StreamConsumer[T]) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return containsTopic(c.topics, topic)
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// registry maps topics to handlers kept in registration order.
type registry[H any] struct {
	mu       sync.RWMutex
	handlers map[string][]H
}

func (r *registry[H]) add(topic string, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]H)
	}
	r.handlers[topic] = append(r.handlers[topic], h)
}

func (r *registry[H]) get(topic string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]H(nil), r.handlers[topic]...)
}

// safeInvoke runs fn and logs a panic instead of letting it kill the loop.
func safeInvoke(logger *zap.Logger, topic, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				zap.String("topic", topic),
				zap.String("entry_id", id),
				zap.Any("panic", r))
		}
	}()
	fn()
}
