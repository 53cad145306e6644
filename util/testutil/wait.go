package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every 20ms until it returns true, failing the test
// with message after timeout.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "agent to register", func() bool {
//	    return len(net.Agents()) == 1
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	attempts := 1
	for range ticker.C {
		attempts++
		if condition() {
			t.Logf("Condition met after %v (%d attempts): %s", time.Since(start).Round(time.Millisecond), attempts, message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v, %d attempts)", message, timeout, attempts)
		}
	}
}

// Never fails the test if condition becomes true within d.
func Never(t testing.TB, d time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("Unexpected: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
