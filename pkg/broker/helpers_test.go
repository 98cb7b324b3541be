package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type job struct {
	X int `json:"x"`
}

type number struct {
	N int `json:"n"`
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:     mr.Addr(),
		Protocol: 2,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testConfig(name string) Config {
	return Config{
		Name:         name,
		BlockTimeout: 50 * time.Millisecond,
		CallTimeout:  2 * time.Second,
	}
}

func newTestPubSub(t *testing.T, client *redis.Client, name string) *PubSubBroker[job] {
	t.Helper()
	b, err := NewPubSub(client, JSONCodec[job](), testConfig(name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestRPC(t *testing.T, client *redis.Client, name string) *RPCBroker[number, number] {
	t.Helper()
	b, err := NewRPC(client, JSONCodec[number](), JSONCodec[number](), testConfig(name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitSubscribed blocks until channel has a pub/sub subscriber.
func waitSubscribed(t *testing.T, client *redis.Client, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func pendingCount(t *testing.T, client *redis.Client, topic, group string) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), topic, group).Result()
	require.NoError(t, err)
	return pending.Count
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}
