package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by Call when no reply arrives in time.
	ErrTimeout = errors.New("broker: call timed out")

	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrNoTopics is returned when Subscribe or Unsubscribe is called without topics.
	ErrNoTopics = errors.New("broker: no topics given")

	// ErrMissingName is returned when a broker is created without a consumer name.
	ErrMissingName = errors.New("broker: consumer name is required")

	// ErrMissingGroup is returned when Subscribe or Unsubscribe is called without a group.
	ErrMissingGroup = errors.New("broker: consumer group is required")
)

// TimeoutError describes a call that received no reply.
type TimeoutError struct {
	Topic   string
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker: call %s on %q timed out after %s", e.ID, e.Topic, e.Timeout)
}

// Unwrap lets errors.Is match ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
