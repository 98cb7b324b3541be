// Package websocket holds the shard connections of the gateway process.
//
// Shards connect to /api/v1/shards/:id/ws. While connected, the shard is
// claimed in the shard registry, every JSON frame {"event", "data"} it sends
// is relayed to consumers, and send commands addressed to it are written
// back on the same connection.
package websocket
