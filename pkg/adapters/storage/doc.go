// Package storage provides shard ownership storage.
//
// Implementations:
//   - redis: Redis hashes with TTL, claimed and released by Lua scripts
package storage
