// Package gateway relays events between the one process that holds the
// shard WebSocket connections and any number of stateless consumers.
//
// The gateway process writes each incoming event to a stream named after the
// event with PublishDispatch. Consumers call Init with the event names they
// care about and receive every event through OnDispatch handlers. Outbound
// payloads go the other way: a consumer calls Send, and the gateway process,
// subscribed with ServeSends under a group of its own, writes the payload to
// the socket for that shard.
//
// The consumer side and the gateway side of a process should use separate
// brokers since a broker reads all of its topics under a single group.
package gateway
