package broker

import (
	"context"
	_ "embed"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/xcleangroup.lua
var xCleanGroupSource string

var xCleanGroupScript = redis.NewScript(xCleanGroupSource)

// CleanGroup runs the xcleangroup script for a single stream and group and
// returns the number of consumers it removed. Only consumers without pending
// entries that have been idle for at least minIdle are removed; a zero
// minIdle removes every consumer without pending entries.
func CleanGroup(ctx context.Context, client redis.Scripter, topic, group string, minIdle time.Duration) (int64, error) {
	return xCleanGroupScript.Run(ctx, client, []string{topic}, group, minIdle.Milliseconds()).Int64()
}

// queueCleanGroup adds the script to a pipeline. EVALSHA cannot fall back to
// EVAL inside a pipeline, so the full script is sent.
func queueCleanGroup(ctx context.Context, pipe redis.Pipeliner, topic, group string, minIdle time.Duration) *redis.Cmd {
	return xCleanGroupScript.Eval(ctx, pipe, []string{topic}, group, minIdle.Milliseconds())
}
