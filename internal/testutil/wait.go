package testutil

import (
	"testing"
	"time"
)

// Eventually polls cond every few milliseconds and fails the test if it is
// still false after timeout.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s: %s", timeout, msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
