package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"))
	assert.False(t, l.Allow("u1"))
}

func TestWindowSlides(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))

	l.now = func() time.Time { return now.Add(61 * time.Second) }
	assert.True(t, l.Allow("u1"))
}

func TestZeroMaxDisablesLimiting(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("u1"))
	}
}
