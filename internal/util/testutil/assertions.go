package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually is a convenience wrapper around assert.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is a convenience wrapper around require.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// AssertNever asserts that condition stays false for the given window.
// Used for ordering properties ("m2 is not dispatched before m1 completes")
// where a plain sleep-then-check would race.
func AssertNever(t *testing.T, condition func() bool, window time.Duration, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Never(t, condition, window, 10*time.Millisecond, msgAndArgs...)
}
