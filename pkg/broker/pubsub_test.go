package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSub_PublishDeliversAndAcks(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	got := make(chan *Message[job], 1)
	b.On("jobs", func(ctx context.Context, msg *Message[job]) {
		got <- msg
	})
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	id, err := b.Publish(ctx, "jobs", job{X: 1})
	require.NoError(t, err)

	msg := receive(t, got)
	assert.Equal(t, job{X: 1}, msg.Data)
	assert.Equal(t, "jobs", msg.Topic)
	assert.Equal(t, "workers", msg.Group)
	assert.Equal(t, id, msg.ID)

	assert.Equal(t, int64(1), pendingCount(t, client, "jobs", "workers"))
	require.NoError(t, msg.Ack(ctx))
	assert.Equal(t, int64(0), pendingCount(t, client, "jobs", "workers"))
}

func TestPubSub_GroupIsolation(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := newTestPubSub(t, client, "a1")
	b := newTestPubSub(t, client, "b1")

	gotA := make(chan *Message[job], 1)
	gotB := make(chan *Message[job], 1)
	a.On("events", func(ctx context.Context, msg *Message[job]) { gotA <- msg })
	b.On("events", func(ctx context.Context, msg *Message[job]) { gotB <- msg })

	require.NoError(t, a.Subscribe(ctx, "group-a", "events"))
	require.NoError(t, b.Subscribe(ctx, "group-b", "events"))

	id, err := a.Publish(ctx, "events", job{X: 7})
	require.NoError(t, err)

	msgA := receive(t, gotA)
	msgB := receive(t, gotB)
	assert.Equal(t, id, msgA.ID)
	assert.Equal(t, id, msgB.ID)

	require.NoError(t, msgA.Ack(ctx))
	assert.Equal(t, int64(0), pendingCount(t, client, "events", "group-a"))
	assert.Equal(t, int64(1), pendingCount(t, client, "events", "group-b"))
}

func TestPubSub_AtLeastOncePerGroup(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	const total = 20

	var shared, solo atomic.Int32
	count := func(n *atomic.Int32) Handler[job] {
		return func(ctx context.Context, msg *Message[job]) {
			n.Add(1)
			_ = msg.Ack(ctx)
		}
	}

	// Two consumers load-balance one group, a third reads its own group.
	for _, name := range []string{"shared-1", "shared-2"} {
		b := newTestPubSub(t, client, name)
		b.On("orders", count(&shared))
		require.NoError(t, b.Subscribe(ctx, "billing", "orders"))
	}
	other := newTestPubSub(t, client, "solo-1")
	other.On("orders", count(&solo))
	require.NoError(t, other.Subscribe(ctx, "audit", "orders"))

	for i := 0; i < total; i++ {
		_, err := other.Publish(ctx, "orders", job{X: i})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return shared.Load() == total && solo.Load() == total
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPubSub_SkipsMalformedEntries(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	got := make(chan *Message[job], 3)
	b.On("jobs", func(ctx context.Context, msg *Message[job]) { got <- msg })
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "jobs",
		Values: map[string]interface{}{"other": "x"},
	}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "jobs",
		Values: map[string]interface{}{"data": "not json"},
	}).Err())
	_, err := b.Publish(ctx, "jobs", job{X: 3})
	require.NoError(t, err)

	msg := receive(t, got)
	assert.Equal(t, job{X: 3}, msg.Data)
	assert.Equal(t, StateRunning, b.State())

	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSub_UnsubscribeStopsOnlyThatTopic(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	gotA := make(chan *Message[job], 1)
	gotB := make(chan *Message[job], 1)
	b.On("topic-a", func(ctx context.Context, msg *Message[job]) { gotA <- msg })
	b.On("topic-b", func(ctx context.Context, msg *Message[job]) { gotB <- msg })

	require.NoError(t, b.Subscribe(ctx, "workers", "topic-a", "topic-b"))
	require.NoError(t, b.Unsubscribe(ctx, "workers", "topic-a"))
	assert.Equal(t, []string{"topic-b"}, b.Topics())

	_, err := b.Publish(ctx, "topic-a", job{X: 1})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "topic-b", job{X: 2})
	require.NoError(t, err)

	msg := receive(t, gotB)
	assert.Equal(t, job{X: 2}, msg.Data)

	select {
	case extra := <-gotA:
		t.Fatalf("unexpected delivery on unsubscribed topic: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPubSub_HandlersRunInRegistrationOrder(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	b.On("jobs", func(ctx context.Context, msg *Message[job]) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	b.On("jobs", func(ctx context.Context, msg *Message[job]) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	_, err := b.Publish(ctx, "jobs", job{X: 1})
	require.NoError(t, err)
	receive(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPubSub_RecoversFromHandlerPanic(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	got := make(chan job, 1)
	b.On("jobs", func(ctx context.Context, msg *Message[job]) {
		if msg.Data.X == 0 {
			panic("boom")
		}
		got <- msg.Data
	})
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	_, err := b.Publish(ctx, "jobs", job{X: 0})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "jobs", job{X: 5})
	require.NoError(t, err)

	assert.Equal(t, job{X: 5}, receive(t, got))
}

func TestStreamConsumer_SubscribeIsIdempotent(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.XGroupCreateMkStream(ctx, "jobs", "workers", "0").Err())

	b := newTestPubSub(t, client, "w1")
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	assert.Equal(t, []string{"jobs"}, b.Topics())
	assert.Equal(t, StateRunning, b.State())
}

func TestStreamConsumer_SubscribePropagatesErrors(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "not-a-stream", "x", 0).Err())

	b := newTestPubSub(t, client, "w1")
	err := b.Subscribe(ctx, "workers", "not-a-stream")
	require.Error(t, err)
	assert.Empty(t, b.Topics())
	assert.Equal(t, StateIdle, b.State())
}

func TestStreamConsumer_ConcurrentSubscribeStartsOneLoop(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")

	var delivered sync.Map
	var count atomic.Int32
	topics := make([]string, 8)
	for i := range topics {
		topics[i] = fmt.Sprintf("topic-%d", i)
		b.On(topics[i], func(ctx context.Context, msg *Message[job]) {
			if _, dup := delivered.LoadOrStore(msg.ID+msg.Topic, true); !dup {
				count.Add(1)
			}
		})
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			assert.NoError(t, b.Subscribe(ctx, "workers", topic))
		}(topic)
	}
	wg.Wait()

	assert.Equal(t, StateRunning, b.State())
	assert.ElementsMatch(t, topics, b.Topics())

	for _, topic := range topics {
		_, err := b.Publish(ctx, topic, job{X: 1})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return count.Load() == int32(len(topics))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamConsumer_LoopStopsWhenSetEmpties(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	got := make(chan *Message[job], 1)
	b.On("jobs", func(ctx context.Context, msg *Message[job]) { got <- msg })

	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))
	require.NoError(t, b.Unsubscribe(ctx, "workers", "jobs"))

	assert.Eventually(t, func() bool {
		return b.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))
	assert.Equal(t, StateRunning, b.State())

	_, err := b.Publish(ctx, "jobs", job{X: 9})
	require.NoError(t, err)
	assert.Equal(t, job{X: 9}, receive(t, got).Data)
}

func TestStreamConsumer_ReadErrorEmitsAndStops(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b := newTestPubSub(t, client, "w1")
	errs := make(chan error, 1)
	b.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	require.NoError(t, client.XGroupDestroy(ctx, "jobs", "workers").Err())

	assert.Error(t, receive(t, errs))
	assert.Eventually(t, func() bool {
		return b.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"jobs"}, b.Topics())
}

func TestStreamConsumer_Validation(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	_, err := NewPubSub(client, JSONCodec[job](), Config{})
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = NewPubSub(nil, JSONCodec[job](), Config{Name: "w1"})
	assert.Error(t, err)

	_, err = NewPubSub(client, Codec[job]{}, Config{Name: "w1"})
	assert.Error(t, err)

	b := newTestPubSub(t, client, "w1")
	assert.ErrorIs(t, b.Subscribe(ctx, "workers"), ErrNoTopics)
	assert.ErrorIs(t, b.Subscribe(ctx, "", "jobs"), ErrMissingGroup)
	assert.ErrorIs(t, b.Unsubscribe(ctx, "workers"), ErrNoTopics)
}

func TestStreamConsumer_CloseStopsLoop(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	b, err := NewPubSub(client, JSONCodec[job](), testConfig("w1"))
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx, "workers", "jobs"))

	require.NoError(t, b.Close())
	assert.Equal(t, StateStopped, b.State())
	assert.NoError(t, b.Close())

	err = b.Subscribe(ctx, "workers", "jobs")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
