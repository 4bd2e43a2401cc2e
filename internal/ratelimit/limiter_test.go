package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBurstThenRefill(t *testing.T) {
	require := require.New(t)
	l := New(1, 2, time.Minute)
	now := time.Unix(1000, 0)

	require.True(l.Allow("peer", now))
	require.True(l.Allow("peer", now))
	require.False(l.Allow("peer", now))
	require.True(l.Allow("other", now), "buckets are per key")
	require.True(l.Allow("peer", now.Add(time.Second)))
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Keyed
	require.True(t, l.Allow("peer", time.Now()))
	require.Nil(t, New(0, 1, 0))
	require.Nil(t, New(1, 0, 0))
}

func TestEmptyKeyAllowed(t *testing.T) {
	l := New(1, 1, 0)
	now := time.Now()
	require.True(t, l.Allow(" ", now))
	require.True(t, l.Allow(" ", now))
}

func TestIdleEviction(t *testing.T) {
	l := New(1000, 1000, time.Second)
	start := time.Unix(0, 0)
	l.Allow("stale", start)
	later := start.Add(time.Hour)
	for i := 0; i < 511; i++ {
		l.Allow("fresh", later)
	}
	l.mu.Lock()
	_, ok := l.byKey["stale"]
	l.mu.Unlock()
	require.False(t, ok)
}
