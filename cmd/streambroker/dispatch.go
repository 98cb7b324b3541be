package main

import (
	"context"
	"encoding/json"

	"github.com/aescanero/streambroker/internal/application/workers"
	"github.com/aescanero/streambroker/pkg/gateway"
	"go.uber.org/zap"
)

// dispatchToPool hands relayed events to the worker pool without waiting for
// a free slot. Dispatches that do not fit are dropped and counted by the pool.
func dispatchToPool(pool *workers.Pool, logger *zap.Logger) gateway.DispatchHandler[json.RawMessage] {
	return func(ctx context.Context, d gateway.Dispatch[json.RawMessage]) {
		err := pool.TrySubmit(workers.Job{
			Name: d.Event,
			Run: func(ctx context.Context) error {
				logger.Info("dispatch received",
					zap.String("event", d.Event),
					zap.Int("shard_id", d.ShardID),
					zap.Int("size", len(d.Data)))
				return nil
			},
		})
		if err != nil {
			logger.Warn("dropping dispatch",
				zap.String("event", d.Event),
				zap.Int("shard_id", d.ShardID),
				zap.Error(err))
		}
	}
}
