// Package retry wraps outbound calls to the completion service and the
// execution backend with bounded retry and exponential backoff. Only
// transient failure classes are retried; everything else propagates
// immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/metrics"
)

// StatusError carries an HTTP status from a service call so the policy
// can distinguish rate limiting and server faults from caller errors.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Body)
}

// Policy controls retry behavior for one class of outbound calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the service defaults: 3 attempts, 500ms base delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Transient reports whether an error belongs to a retryable failure class:
// timeouts, refused connections, rate limiting, and server faults.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// Do runs fn, retrying transient failures with exponential backoff
// (base delay doubled per attempt). On exhaustion it returns a structured
// Network error instead of the raw failure.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	logger := logging.WithComponent("retry")
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.RetryAttempts.WithLabelValues(op).Inc()
			delay := p.BaseDelay * (1 << (attempt - 1))
			logger.Warn("retrying operation", "operation", op, "attempt", attempt, "delay", delay.String())
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
	}

	return agenterr.Wrap(agenterr.CategoryNetwork, agenterr.SeverityHigh, op,
		fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)).
		WithCode("NETWORK_RETRY_EXHAUSTED")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
