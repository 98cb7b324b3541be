// Package http provides the HTTP admin API.
//
// The HTTP server exposes endpoints for:
//   - Publishing JSON payloads to topics
//   - RPC calls with JSON request and reply
//   - Relaying payloads to gateway shards and listing shard owners
//   - Worker pool status and health checks
//   - Prometheus metrics
package http
