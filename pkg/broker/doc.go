// Package broker provides Redis Streams brokers for services that share a
// Redis deployment but have no direct network link between them.
//
// Two brokers are built on the same stream-consumer engine:
//   - PubSubBroker: at-least-once fan-out to every consumer group subscribed
//     to a topic, with explicit acknowledgement
//   - RPCBroker: request/reply where the request is a stream entry and the
//     reply travels over an ephemeral pub/sub channel named "<topic>:<id>"
//
// Example usage:
//
//	b, err := broker.NewPubSub(client, broker.JSONCodec[Job](), broker.Config{Name: "w1"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b.On("jobs", func(ctx context.Context, msg *broker.Message[Job]) {
//	    process(msg.Data)
//	    _ = msg.Ack(ctx)
//	})
//	err = b.Subscribe(ctx, "workers", "jobs")
package broker
