package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration // first wait; doubled after every failed attempt
	MaxDelay    time.Duration // 0 = uncapped
	Retryable   func(error) bool
}

// sleep is swapped out by tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. A nil Retryable retries every error.
func WithRetry(ctx context.Context, config RetryConfig, fn func() error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := config.Delay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if config.Retryable != nil && !config.Retryable(err) {
			return err
		}
		if attempt == attempts {
			return fmt.Errorf("failed after %d attempts: %w", attempts, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		delay *= 2
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
}

// IsNetworkError reports whether err is a connection, DNS or timeout failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
