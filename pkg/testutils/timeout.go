package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	DefaultTimeout = 5 * time.Second
	pollInterval   = 10 * time.Millisecond
)

// WithTimeout polls f until it returns an empty string, or fails the
// test with the last reported condition after DefaultTimeout.
func WithTimeout(t *testing.T, f func() string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			if lastErr != "" {
				t.Fatalf("did not reach expected state after %v: %s", DefaultTimeout, lastErr)
			}
			return
		case <-time.After(pollInterval):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}
