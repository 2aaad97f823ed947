// Package queue is the ordered transport between pipeline stages.
//
// Two logical topics exist: sensor-data and alarm-events. Both are
// partitioned by device ID hash, so per-device ordering holds within a
// partition. Producers publish with acknowledgement and bounded retry;
// consumers commit offsets only after the per-message pipeline succeeds
// (at-least-once delivery).
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Topic names.
const (
	TopicSensorData  = "sensor-data"
	TopicAlarmEvents = "alarm-events"
)

// Consumer group names.
const (
	GroupNormal       = "fs-normal"
	GroupBackpressure = "fs-backpressure"
	GroupAlarm        = "fs-alarm"
)

// ErrPublishFailed signals an exhausted publish retry budget. The caller
// owns the surface semantics (shed load, error out, …).
var ErrPublishFailed = errors.New("queue: publish failed after retries")

// Message is one record delivered to a consumer.
type Message struct {
	Topic     string
	Key       string // device ID
	Value     []byte
	Partition int32
	Offset    int64
}

// Handler processes one message. Returning nil commits the offset.
// Returning a permanent error (see Permanent) also commits, because retrying
// would fail identically. Any other error leaves the offset uncommitted and
// the message is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// BatchHandler processes a partition-ordered batch (backpressure group).
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Publisher publishes keyed records to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close()
}

// Consumer runs a handler over a topic until its context is cancelled.
type Consumer interface {
	Run(ctx context.Context) error
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable: the offset is committed and
// the message dropped. Used for protocol errors and rule compile errors,
// which would fail identically on redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// In-place retry bounds for transient handler failures.
const (
	retryBaseBackoff = 100 * time.Millisecond
	retryMaxBackoff  = 5 * time.Second
)

// deliverWithRetry runs attempt until it succeeds or fails permanently,
// backing off with jitter between tries. A consumer must not move past an
// uncommitted message: once a record has been polled the only safe
// redelivery is retrying it right here, before touching later offsets.
// Returns nil on success, the permanent error as-is, or ctx's error when
// cancelled mid-retry.
func deliverWithRetry(ctx context.Context, attempt func(ctx context.Context) error) error {
	backoff := retryBaseBackoff
	for {
		err := attempt(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff < retryMaxBackoff {
			backoff *= 2
		}
	}
}

func validateTopic(topic string) error {
	switch topic {
	case TopicSensorData, TopicAlarmEvents:
		return nil
	}
	return fmt.Errorf("queue: unknown topic %q", topic)
}
