package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/streambroker/internal/application/workers"
	"github.com/aescanero/streambroker/internal/config"
	"github.com/aescanero/streambroker/pkg/adapters/metrics/prometheus"
	storage "github.com/aescanero/streambroker/pkg/adapters/storage/redis"
	"github.com/aescanero/streambroker/pkg/api/grpc"
	"github.com/aescanero/streambroker/pkg/api/http"
	"github.com/aescanero/streambroker/pkg/api/websocket"
	"github.com/aescanero/streambroker/pkg/broker"
	"github.com/aescanero/streambroker/pkg/gateway"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

type closer interface {
	Close() error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting streambroker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("role", cfg.Role),
		zap.String("name", cfg.Broker.Name))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	metricsCollector := prometheus.NewCollector(nil)

	brokerCfg := broker.Config{
		Name:         cfg.Broker.Name,
		MaxChunk:     cfg.Broker.MaxChunk,
		BlockTimeout: cfg.Broker.BlockTimeout,
		CallTimeout:  cfg.Broker.CallTimeout,
		CleanupIdle:  cfg.Broker.CleanupIdle,
		Logger:       logger,
		Metrics:      metricsCollector,
	}

	// Initialize brokers
	relayBroker, err := broker.NewPubSub(redisClient, broker.JSONCodec[gateway.Packet[json.RawMessage]](), brokerCfg)
	if err != nil {
		logger.Fatal("failed to create relay broker", zap.Error(err))
	}
	relayBroker.OnError(func(err error) {
		logger.Error("relay broker stopped reading", zap.Error(err))
	})

	publisher, err := broker.NewPubSub(redisClient, broker.JSONCodec[json.RawMessage](), brokerCfg)
	if err != nil {
		logger.Fatal("failed to create publisher", zap.Error(err))
	}

	caller, err := broker.NewRPC(redisClient, broker.JSONCodec[json.RawMessage](), broker.JSONCodec[json.RawMessage](), brokerCfg)
	if err != nil {
		logger.Fatal("failed to create RPC broker", zap.Error(err))
	}

	relay, err := gateway.NewRelay(relayBroker, gateway.Config{
		Group:      cfg.Broker.Group,
		ShardCount: cfg.Gateway.ShardCount,
		SendTopic:  cfg.Gateway.SendTopic,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create relay", zap.Error(err))
	}

	shardRegistry := storage.NewShardRegistry(redisClient, cfg.Gateway.ShardTTL, logger)

	checks := map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"relay": func(context.Context) error {
			if state := relayBroker.State(); state != broker.StateRunning {
				return fmt.Errorf("relay broker is %s", state)
			}
			return nil
		},
	}

	httpCfg := &http.Config{
		Port:        cfg.HTTPPort,
		Publisher:   publisher,
		Caller:      caller,
		Sender:      relay,
		Shards:      shardRegistry,
		Checks:      map[string]http.HealthCheck{},
		CallTimeout: cfg.Broker.CallTimeout,
		Logger:      logger,
	}
	grpcCfg := &grpc.Config{
		Port:   cfg.GRPCPort,
		Checks: map[string]grpc.HealthCheck{},
		Logger: logger,
	}
	for name, check := range checks {
		httpCfg.Checks[name] = check
		grpcCfg.Checks[name] = check
	}

	var workerPool *workers.Pool
	var hub *websocket.Hub

	switch cfg.Role {
	case config.RoleGateway:
		hub = websocket.NewHub(websocket.Config{
			Owner:      cfg.Broker.Name,
			ShardCount: cfg.Gateway.ShardCount,
			Registry:   shardRegistry,
			Dispatcher: relay,
			Logger:     logger,
		})
		if err := relay.ServeSends(ctx, cfg.Gateway.SendGroup, hub.Send); err != nil {
			logger.Fatal("failed to serve gateway sends", zap.Error(err))
		}

	case config.RoleConsumer:
		workerPool = workers.NewPool(
			cfg.Workers.PoolSize,
			cfg.Workers.QueueSize,
			metricsCollector,
			logger,
			cfg.Workers.HealthCheckInterval,
		)
		if err := workerPool.Start(); err != nil {
			logger.Fatal("failed to start worker pool", zap.Error(err))
		}
		httpCfg.Workers = workerPool.Health()

		httpCfg.Checks["workers"] = workerPool.Health().Check
		grpcCfg.Checks["workers"] = workerPool.Health().Check

		relay.OnDispatch(dispatchToPool(workerPool, logger))
		if err := relay.Init(ctx, cfg.Gateway.Events...); err != nil {
			logger.Fatal("failed to initialize relay", zap.Error(err))
		}
	}

	// Initialize API servers
	httpServer := http.NewServer(httpCfg)
	if hub != nil {
		httpServer.SetupWebSocket(hub.HandleShard)
	}

	grpcServer, err := grpc.NewServer(grpcCfg)
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("streambroker started",
		zap.String("role", cfg.Role),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("shard_count", cfg.Gateway.ShardCount))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	// Stop reading before draining so no dispatch is queued on a closed pool.
	if err := relayBroker.Close(); err != nil {
		logger.Error("relay broker close error", zap.Error(err))
	}

	if workerPool != nil {
		if err := workerPool.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown error", zap.Error(err))
		}
	}

	for name, b := range map[string]closer{"publisher": publisher, "rpc": caller} {
		if err := b.Close(); err != nil {
			logger.Error("broker close error", zap.String("broker", name), zap.Error(err))
		}
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("streambroker shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
