package broker

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxChunk is the number of entries requested per blocking read.
	DefaultMaxChunk = 10

	// DefaultBlockTimeout bounds a single blocking read.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultCallTimeout is the reply deadline used by Call.
	DefaultCallTimeout = 5 * time.Second

	// DefaultCleanupIdle is the idle time after which an empty consumer is removed
	// by xcleangroup.
	DefaultCleanupIdle = 5 * time.Minute
)

// Config holds broker configuration.
type Config struct {
	// Name identifies this instance inside every consumer group it joins.
	Name string

	// MaxChunk is the COUNT of each XREADGROUP.
	MaxChunk int64

	// BlockTimeout is the BLOCK of each XREADGROUP.
	BlockTimeout time.Duration

	// CallTimeout is the default RPC reply deadline. Ignored by PubSubBroker.
	CallTimeout time.Duration

	// CleanupIdle is the minimum idle time of a consumer without pending
	// entries before Unsubscribe's cleanup removes it.
	CleanupIdle time.Duration

	Logger  *zap.Logger
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxChunk <= 0 {
		c.MaxChunk = DefaultMaxChunk
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CleanupIdle <= 0 {
		c.CleanupIdle = DefaultCleanupIdle
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Metrics receives broker activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordPublished(topic string)
	RecordDelivered(topic, group string)
	RecordAcked(topic, group string)
	RecordSkipped(topic, reason string)
	RecordReadError()
	RecordCall(topic, status string, duration time.Duration)
	SetPendingCalls(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordPublished(string)                   {}
func (nopMetrics) RecordDelivered(string, string)           {}
func (nopMetrics) RecordAcked(string, string)               {}
func (nopMetrics) RecordSkipped(string, string)             {}
func (nopMetrics) RecordReadError()                         {}
func (nopMetrics) RecordCall(string, string, time.Duration) {}
func (nopMetrics) SetPendingCalls(int)                      {}
