package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestTransientClassification(t *testing.T) {
	assert.True(t, Transient(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, Transient(&StatusError{StatusCode: http.StatusBadGateway}))
	assert.True(t, Transient(context.DeadlineExceeded))
	assert.True(t, Transient(syscall.ECONNREFUSED))

	assert.False(t, Transient(nil))
	assert.False(t, Transient(&StatusError{StatusCode: http.StatusUnauthorized}))
	assert.False(t, Transient(&StatusError{StatusCode: http.StatusBadRequest}))
	assert.False(t, Transient(errors.New("parse failure")))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}

	calls := 0
	err := p.Do(context.Background(), "backend_execute", func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusForbidden}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep}

	calls := 0
	err := p.Do(context.Background(), "completion", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustionReturnsStructuredError(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, sleep: noSleep}

	err := p.Do(context.Background(), "completion", func(ctx context.Context) error {
		return fmt.Errorf("call: %w", context.DeadlineExceeded)
	})

	require.Error(t, err)
	var ae *agenterr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, agenterr.CategoryNetwork, ae.Category)
	assert.Equal(t, "NETWORK_RETRY_EXHAUSTED", ae.Code)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, "completion", func(ctx context.Context) error {
		return syscall.ECONNREFUSED
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
