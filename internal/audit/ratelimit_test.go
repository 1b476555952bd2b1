package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l := NewSlidingWindowLimiter()
	now := time.Now()
	for i := 0; i < limit; i++ {
		assert.True(t, l.Allow("u1", now.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.False(t, l.Allow("u1", now.Add(time.Duration(limit)*time.Millisecond)))
}

func TestSlidingWindowScenario5(t *testing.T) {
	l := NewSlidingWindowLimiter()
	now := time.Now()
	for i := 0; i < limit; i++ {
		assert.True(t, l.Allow("u1", now.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.False(t, l.Allow("u1", now.Add(10*time.Second)))
}

func TestSlidingWindowEntriesExpire(t *testing.T) {
	l := NewSlidingWindowLimiter()
	now := time.Now()
	for i := 0; i < limit; i++ {
		assert.True(t, l.Allow("u1", now))
	}
	assert.False(t, l.Allow("u1", now))
	assert.True(t, l.Allow("u1", now.Add(window+time.Second)))
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	l := NewSlidingWindowLimiter()
	now := time.Now()
	for i := 0; i < limit; i++ {
		assert.True(t, l.Allow("u1", now))
	}
	assert.True(t, l.Allow("u2", now))
}

func TestCountDoesNotConsumeSlot(t *testing.T) {
	l := NewSlidingWindowLimiter()
	now := time.Now()
	assert.True(t, l.Allow("u1", now))
	assert.Equal(t, 1, l.Count("u1", now))
	assert.Equal(t, 1, l.Count("u1", now))
}
