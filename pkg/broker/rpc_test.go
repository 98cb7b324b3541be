package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPC_CallResolvesWithReply(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	server := newTestRPC(t, client, "srv-1")
	server.On("double", func(ctx context.Context, req *Request[number, number]) {
		waitSubscribed(t, client, replyChannel(req.Topic, req.ID))
		assert.NoError(t, req.Reply(ctx, number{N: req.Data.N * 2}))
		assert.NoError(t, req.Ack(ctx))
	})
	require.NoError(t, server.Subscribe(ctx, "doublers", "double"))

	caller := newTestRPC(t, client, "cli-1")
	got, err := caller.Call(ctx, "double", number{N: 21})
	require.NoError(t, err)
	assert.Equal(t, number{N: 42}, got)
	assert.Equal(t, 0, caller.PendingCalls())
	assert.Equal(t, int64(0), pendingCount(t, client, "double", "doublers"))
}

func TestRPC_CallTimesOutAndUnsubscribes(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	caller := newTestRPC(t, client, "cli-1")

	start := time.Now()
	_, err := caller.CallTimeout(ctx, "nobody", number{N: 1}, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "nobody", timeoutErr.Topic)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	assert.Equal(t, 0, caller.PendingCalls())
	assert.Eventually(t, func() bool {
		channels, err := client.PubSubChannels(ctx, "nobody:*").Result()
		return err == nil && len(channels) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRPC_ReplyBeforeSubscribeIsLost(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	caller := newTestRPC(t, client, "cli-1")
	caller.beforeSubscribe = func(channel string) {
		require.NoError(t, client.Publish(ctx, channel, `{"n":2}`).Err())
	}

	_, err := caller.CallTimeout(ctx, "early", number{N: 1}, 100*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 0, caller.PendingCalls())
}

func TestRPC_TimeoutCoversSubscribe(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	caller := newTestRPC(t, client, "cli-1")
	caller.beforeSubscribe = func(string) { time.Sleep(300 * time.Millisecond) }

	start := time.Now()
	_, err := caller.CallTimeout(ctx, "slow-subscribe", number{N: 1}, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 450*time.Millisecond)
}

func TestRPC_OutOfOrderRepliesMatchCallers(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	requests := make(chan *Request[number, number], 2)
	server := newTestRPC(t, client, "srv-1")
	server.On("rpc", func(ctx context.Context, req *Request[number, number]) {
		requests <- req
	})
	require.NoError(t, server.Subscribe(ctx, "rpc-workers", "rpc"))

	caller := newTestRPC(t, client, "cli-1")

	var wg sync.WaitGroup
	results := make([]number, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = caller.Call(ctx, "rpc", number{N: i + 1})
		}(i)
	}

	byN := make(map[int]*Request[number, number])
	for i := 0; i < 2; i++ {
		req := receive(t, requests)
		byN[req.Data.N] = req
	}
	require.Len(t, byN, 2)
	for _, req := range byN {
		waitSubscribed(t, client, replyChannel(req.Topic, req.ID))
	}

	require.NoError(t, byN[2].Reply(ctx, number{N: 20}))
	require.NoError(t, byN[1].Reply(ctx, number{N: 10}))
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, number{N: 10}, results[0])
	assert.Equal(t, number{N: 20}, results[1])
}

func TestRPC_DuplicateReplyFirstWins(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	server := newTestRPC(t, client, "srv-1")
	server.On("rpc", func(ctx context.Context, req *Request[number, number]) {
		waitSubscribed(t, client, replyChannel(req.Topic, req.ID))
		assert.NoError(t, req.Reply(ctx, number{N: 1}))
		assert.NoError(t, req.Reply(ctx, number{N: 2}))
	})
	require.NoError(t, server.Subscribe(ctx, "rpc-workers", "rpc"))

	caller := newTestRPC(t, client, "cli-1")
	got, err := caller.Call(ctx, "rpc", number{N: 0})
	require.NoError(t, err)
	assert.Equal(t, number{N: 1}, got)
}

func TestRPC_LateReplyIsDropped(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	requests := make(chan *Request[number, number], 1)
	server := newTestRPC(t, client, "srv-1")
	server.On("rpc", func(ctx context.Context, req *Request[number, number]) {
		requests <- req
	})
	require.NoError(t, server.Subscribe(ctx, "rpc-workers", "rpc"))

	caller := newTestRPC(t, client, "cli-1")
	_, err := caller.CallTimeout(ctx, "rpc", number{N: 1}, 50*time.Millisecond)
	require.True(t, IsTimeout(err))

	late := receive(t, requests)
	require.NoError(t, late.Reply(ctx, number{N: 99}))
	assert.Equal(t, 0, caller.PendingCalls())

	server.On("echo", func(ctx context.Context, req *Request[number, number]) {
		waitSubscribed(t, client, replyChannel(req.Topic, req.ID))
		assert.NoError(t, req.Reply(ctx, req.Data))
	})
	require.NoError(t, server.Subscribe(ctx, "rpc-workers", "echo"))

	got, err := caller.Call(ctx, "echo", number{N: 5})
	require.NoError(t, err)
	assert.Equal(t, number{N: 5}, got)
}

func TestRPC_ContextCancelEndsCall(t *testing.T) {
	_, client := newTestRedis(t)

	caller := newTestRPC(t, client, "cli-1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := caller.CallTimeout(ctx, "rpc", number{N: 1}, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 0, caller.PendingCalls())
}

func TestRPC_CloseFailsPendingCalls(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	caller, err := NewRPC(client, JSONCodec[number](), JSONCodec[number](), testConfig("cli-1"))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := caller.CallTimeout(ctx, "rpc", number{N: 1}, time.Minute)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return caller.PendingCalls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, caller.Close())
	assert.ErrorIs(t, receive(t, errs), ErrClosed)

	_, err = caller.Call(ctx, "rpc", number{N: 2})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseReplyChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		topic   string
		id      string
		ok      bool
	}{
		{name: "simple", channel: "rpc:1700000000000-0", topic: "rpc", id: "1700000000000-0", ok: true},
		{name: "topic with colons", channel: "svc:users:get:1-2", topic: "svc:users:get", id: "1-2", ok: true},
		{name: "no separator", channel: "rpc", ok: false},
		{name: "empty id", channel: "rpc:", ok: false},
		{name: "empty topic", channel: ":1-0", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, id, ok := parseReplyChannel(tt.channel)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.topic, topic)
			assert.Equal(t, tt.id, id)
		})
	}
}
