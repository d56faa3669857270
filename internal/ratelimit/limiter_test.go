package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/riftline/control-plane/internal/clock"
)

func newTestLimiter(c clock.Clock) *SlidingWindow {
	return New(3, time.Minute, time.Hour, c)
}

func TestTryAcquireAllowsUpToLimit(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	assert.True(t, rl.TryAcquire("key"))
	assert.True(t, rl.TryAcquire("key"))
	assert.True(t, rl.TryAcquire("key"))
	assert.False(t, rl.TryAcquire("key"))
}

func TestTryAcquireResetsAfterWindowElapses(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.TryAcquire("key"))
	}
	assert.False(t, rl.TryAcquire("key"))

	c.Advance(time.Minute + time.Second)
	assert.True(t, rl.TryAcquire("key"))
}

func TestKeysAreIndependent(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.TryAcquire("key-a"))
	}
	assert.True(t, rl.TryAcquire("key-b"))
}

func TestRetryAfterReportsRemainingWindow(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	assert.Equal(t, 0, rl.RetryAfter("unknown-key"))

	rl.TryAcquire("key")
	c.Advance(10 * time.Second)
	retry := rl.RetryAfter("key")
	assert.True(t, retry > 0 && retry <= 50, "retry=%d", retry)
}

func TestGetAttemptsReportsCurrentWindowCount(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	assert.Equal(t, 0, rl.GetAttempts("key"))
	rl.TryAcquire("key")
	rl.TryAcquire("key")
	assert.Equal(t, 2, rl.GetAttempts("key"))

	c.Advance(time.Hour)
	assert.Equal(t, 0, rl.GetAttempts("key"))
}

func TestResetClearsWindow(t *testing.T) {
	c := clock.NewManual(time.Now())
	rl := newTestLimiter(c)
	defer rl.Stop()

	rl.TryAcquire("key")
	rl.TryAcquire("key")
	rl.Reset("key")
	assert.Equal(t, 0, rl.GetAttempts("key"))
}
