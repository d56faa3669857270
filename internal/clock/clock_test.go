package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNow(t *testing.T) {
	before := time.Now()
	got := System{}.Now()
	after := time.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestManualNowFixed(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(t0)
	assert.Equal(t, t0, m.Now())
	assert.Equal(t, t0, m.Now())
}

func TestManualAdvance(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(t0)
	m.Advance(5 * time.Minute)
	assert.Equal(t, t0.Add(5*time.Minute), m.Now())
}

func TestManualSet(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(t0)
	m.Set(t1)
	assert.Equal(t, t1, m.Now())
}

func TestManualConcurrentAccess(t *testing.T) {
	m := NewManual(time.Now())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Advance(time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = m.Now()
	}
	<-done
}
