package gateway

import "errors"

var (
	// ErrInvalidShard is returned for shard ids outside [0, ShardCount).
	ErrInvalidShard = errors.New("gateway: invalid shard id")

	// ErrNoEvents is returned when Init is called without event names.
	ErrNoEvents = errors.New("gateway: no events given")

	// ErrMissingGroup is returned when a relay is configured without a group.
	ErrMissingGroup = errors.New("gateway: consumer group is required")

	// ErrInvalidShardCount is returned when ShardCount is not positive.
	ErrInvalidShardCount = errors.New("gateway: shard count must be positive")
)
