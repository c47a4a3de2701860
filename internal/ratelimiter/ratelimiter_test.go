package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_BurstThenReject(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(1, 6)
	r.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		assert.True(t, r.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, r.Allow("10.0.0.1"))
	assert.True(t, r.Allow("10.0.0.2"), "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, r.Allow("10.0.0.1"))
	assert.False(t, r.Allow("10.0.0.1"))
}

func TestAllow_ZeroRateIsUnlimited(t *testing.T) {
	r := New(0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, r.Allow("x"))
	}
	assert.Zero(t, r.Len())
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(1, 1)
	r.now = func() time.Time { return now }

	r.Allow("old")
	now = now.Add(10 * time.Minute)
	r.Allow("new")

	assert.Equal(t, 1, r.Sweep(5*time.Minute))
	assert.Equal(t, 1, r.Len())
}
