// Package testutil provides common test utilities for the go-ggconsole packages.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/endpoint"
)

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is WaitFor bounded by ctx instead of a timeout.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForState waits for the endpoint to reach want.
func WaitForState(t *testing.T, ep *endpoint.Endpoint, want endpoint.State, timeout time.Duration) error {
	t.Helper()
	err := WaitFor(t, "endpoint state "+want.String(), timeout, func() bool {
		return ep.State() == want
	})
	if err != nil {
		return fmt.Errorf("%w (state is %s)", err, ep.State())
	}
	return nil
}

// Receive waits for one value from ch.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("nothing received within %v", timeout)
		var zero T
		return zero
	}
}
