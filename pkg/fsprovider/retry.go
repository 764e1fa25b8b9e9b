package fsprovider

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// retryBaseDelay is a var so tests can shorten it.
var retryBaseDelay = 500 * time.Millisecond

// retry runs fn up to maxAttempts times with exponential backoff
// (500ms, 1s, 2s, ...) between attempts.
func retry[T any](ctx context.Context, op string, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * retryBaseDelay
			plog.Debug("Retrying remote call", "op", op, "attempt", i+1, "after", delay, "error", err)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
