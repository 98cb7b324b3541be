package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Request is an RPC request delivered to a handler. Reply sends the
// response back to the caller; Ack removes the request from the pending
// entries list.
type Request[Req, Res any] struct {
	Delivery[Req]
	broker *RPCBroker[Req, Res]
}

// Ack acknowledges the request entry for its group.
func (r *Request[Req, Res]) Ack(ctx context.Context) error {
	return r.broker.ack(ctx, r.Topic, r.Group, r.ID)
}

// Reply publishes data on the request's reply channel. Replies that reach
// a caller after it settled are dropped by the caller.
func (r *Request[Req, Res]) Reply(ctx context.Context, data Res) error {
	return r.broker.reply(ctx, r.Topic, r.ID, data)
}

// RequestHandler processes a delivered request.
type RequestHandler[Req, Res any] func(ctx context.Context, req *Request[Req, Res])

type callKey struct {
	topic string
	id    string
}

type callResult[Res any] struct {
	data Res
	err  error
}

type pendingCall[Res any] struct {
	done chan callResult[Res]
}

// RPCBroker sends requests as stream entries and receives replies over
// per-call pub/sub channels named "<topic>:<entry id>".
type RPCBroker[Req, Res any] struct {
	*StreamConsumer[Req]
	replyCodec Codec[Res]
	handlers   registry[RequestHandler[Req, Res]]

	// replies is the one dedicated pub/sub connection shared by all calls.
	replies     *redis.PubSub
	receiveOnce sync.Once
	receiveDone chan struct{}

	pendingMu sync.Mutex
	pending   map[callKey]*pendingCall[Res]

	closeOnce sync.Once
	closeErr  error

	// beforeSubscribe, when set, runs between publishing a request and
	// subscribing to its reply channel.
	beforeSubscribe func(channel string)
}

// NewRPC creates an RPC broker. requestCodec encodes call payloads and
// decodes delivered requests; replyCodec does the same for replies.
func NewRPC[Req, Res any](client *redis.Client, requestCodec Codec[Req], replyCodec Codec[Res], cfg Config) (*RPCBroker[Req, Res], error) {
	if err := replyCodec.validate(); err != nil {
		return nil, err
	}

	b := &RPCBroker[Req, Res]{
		replyCodec:  replyCodec,
		receiveDone: make(chan struct{}),
		pending:     make(map[callKey]*pendingCall[Res]),
	}
	consumer, err := NewStreamConsumer(client, requestCodec, cfg, b.dispatch)
	if err != nil {
		return nil, err
	}
	b.StreamConsumer = consumer
	b.replies = client.Subscribe(context.Background())

	return b, nil
}

// On registers a handler for requests read from topic.
func (b *RPCBroker[Req, Res]) On(topic string, handler RequestHandler[Req, Res]) {
	b.handlers.add(topic, handler)
}

// Call sends data to topic and waits for the reply using the configured
// default timeout.
func (b *RPCBroker[Req, Res]) Call(ctx context.Context, topic string, data Req) (Res, error) {
	return b.CallTimeout(ctx, topic, data, b.cfg.CallTimeout)
}

// CallTimeout sends data to topic and waits up to timeout for the reply.
// The call also ends when ctx is done. The reply channel is unsubscribed
// whatever the outcome.
func (b *RPCBroker[Req, Res]) CallTimeout(ctx context.Context, topic string, data Req, timeout time.Duration) (Res, error) {
	var zero Res

	if b.State() == StateStopped {
		return zero, ErrClosed
	}
	if timeout <= 0 {
		timeout = b.cfg.CallTimeout
	}

	payload, err := b.codec.Encode(data)
	if err != nil {
		return zero, fmt.Errorf("failed to encode request for %q: %w", topic, err)
	}

	start := time.Now()
	id, err := b.publish(ctx, topic, payload)
	if err != nil {
		b.metrics.RecordCall(topic, "error", time.Since(start))
		return zero, err
	}

	key := callKey{topic: topic, id: id}
	channel := replyChannel(topic, id)
	timeoutErr := &TimeoutError{Topic: topic, ID: id, Timeout: timeout}

	// The SUBSCRIBE round trip counts toward the timeout.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The call is registered before the subscription so a reply racing the
	// SUBSCRIBE acknowledgement still finds it. A reply published before
	// SUBSCRIBE reaches the server is lost and the call times out.
	call := &pendingCall[Res]{done: make(chan callResult[Res], 1)}
	b.register(key, call)
	defer b.settle(context.WithoutCancel(ctx), key, channel)

	if b.beforeSubscribe != nil {
		b.beforeSubscribe(channel)
	}
	if err := b.replies.Subscribe(ctx, channel); err != nil {
		b.metrics.RecordCall(topic, "error", time.Since(start))
		if b.State() == StateStopped {
			return zero, ErrClosed
		}
		return zero, fmt.Errorf("failed to subscribe to reply channel %q: %w", channel, err)
	}
	b.receiveOnce.Do(func() { go b.receiveReplies() })

	select {
	case res := <-call.done:
		status := "ok"
		if res.err != nil {
			status = "error"
		}
		b.metrics.RecordCall(topic, status, time.Since(start))
		return res.data, res.err
	case <-timer.C:
		b.metrics.RecordCall(topic, "timeout", time.Since(start))
		b.logger.Debug("call timed out",
			zap.String("topic", topic),
			zap.String("entry_id", id),
			zap.Duration("timeout", timeout))
		return zero, timeoutErr
	case <-ctx.Done():
		b.metrics.RecordCall(topic, "canceled", time.Since(start))
		return zero, ctx.Err()
	}
}

// PendingCalls returns the number of calls waiting for a reply.
func (b *RPCBroker[Req, Res]) PendingCalls() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Close stops the read loop, fails outstanding calls with ErrClosed and
// closes the reply connection.
func (b *RPCBroker[Req, Res]) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.close() })
	return b.closeErr
}

func (b *RPCBroker[Req, Res]) close() error {
	err := b.StreamConsumer.Close()

	b.pendingMu.Lock()
	for key, call := range b.pending {
		call.done <- callResult[Res]{err: ErrClosed}
		delete(b.pending, key)
	}
	b.metrics.SetPendingCalls(0)
	b.pendingMu.Unlock()

	if cerr := b.replies.Close(); cerr != nil && err == nil {
		err = cerr
	}

	// Without a started receiver there is nothing to wait for.
	b.receiveOnce.Do(func() { close(b.receiveDone) })
	<-b.receiveDone

	return err
}

func (b *RPCBroker[Req, Res]) register(key callKey, call *pendingCall[Res]) {
	b.pendingMu.Lock()
	b.pending[key] = call
	b.metrics.SetPendingCalls(len(b.pending))
	b.pendingMu.Unlock()
}

// take removes and returns the pending call for key, if still present.
func (b *RPCBroker[Req, Res]) take(key callKey) (*pendingCall[Res], bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	call, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
		b.metrics.SetPendingCalls(len(b.pending))
	}
	return call, ok
}

func (b *RPCBroker[Req, Res]) settle(ctx context.Context, key callKey, channel string) {
	b.take(key)
	if b.State() == StateStopped {
		return
	}
	if err := b.replies.Unsubscribe(ctx, channel); err != nil {
		b.logger.Warn("failed to unsubscribe from reply channel",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

func (b *RPCBroker[Req, Res]) receiveReplies() {
	defer close(b.receiveDone)

	for msg := range b.replies.Channel() {
		topic, id, ok := parseReplyChannel(msg.Channel)
		if !ok {
			continue
		}

		call, ok := b.take(callKey{topic: topic, id: id})
		if !ok {
			b.logger.Debug("dropping reply without pending call",
				zap.String("channel", msg.Channel))
			continue
		}

		data, err := b.replyCodec.Decode([]byte(msg.Payload))
		if err != nil {
			err = fmt.Errorf("failed to decode reply on %q: %w", msg.Channel, err)
		}
		call.done <- callResult[Res]{data: data, err: err}
	}
}

func (b *RPCBroker[Req, Res]) reply(ctx context.Context, topic, id string, data Res) error {
	payload, err := b.replyCodec.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode reply for %q: %w", topic, err)
	}

	channel := replyChannel(topic, id)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish reply on %q: %w", channel, err)
	}
	return nil
}

func (b *RPCBroker[Req, Res]) dispatch(ctx context.Context, d Delivery[Req]) {
	for _, h := range b.handlers.get(d.Topic) {
		req := &Request[Req, Res]{Delivery: d, broker: b}
		safeInvoke(b.logger, d.Topic, d.ID, func() { h(ctx, req) })
	}
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func replyChannel(topic, id string) string {
	return topic + ":" + id
}

// parseReplyChannel splits "<topic>:<id>". Entry ids never contain a colon,
// so the last one separates the two even when the topic has colons.
func parseReplyChannel(channel string) (topic, id string, ok bool) {
	i := strings.LastIndexByte(channel, ':')
	if i <= 0 || i == len(channel)-1 {
		return "", "", false
	}
	return channel[:i], channel[i+1:], true
}
