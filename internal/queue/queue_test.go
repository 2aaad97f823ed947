package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both the Kafka and in-memory consumers route every message through
// deliverWithRetry, so these cases pin the delivery contract for both:
// a transient failure never advances past the message, a permanent one
// does, and cancellation leaves the offset uncommitted.

func TestDeliveryRetriesTransientFailuresInPlace(t *testing.T) {
	attempts := 0
	err := deliverWithRetry(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient store failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "same message retried until it succeeds")
}

func TestDeliveryStopsOnPermanentFailure(t *testing.T) {
	attempts := 0
	cause := errors.New("malformed payload")
	err := deliverWithRetry(context.Background(), func(context.Context) error {
		attempts++
		return Permanent(cause)
	})
	require.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")
}

func TestDeliveryAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	start := time.Now()
	err := deliverWithRetry(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("transient store failure")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), retryMaxBackoff, "cancellation cuts the backoff wait short")
}
