package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMonitorEmptyWindow(t *testing.T) {
	t.Parallel()

	m := NewMonitor(time.Second, &fakeClock{now: time.Unix(100, 0)})
	ops, mb := m.CurrentRates()
	require.Zero(t, ops)
	require.Zero(t, mb)
}

func TestMonitorRatesOverWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	m := NewMonitor(2*time.Second, clock)

	m.Record(1024 * 1024)
	clock.Advance(500 * time.Millisecond)
	m.Record(1024 * 1024)
	clock.Advance(500 * time.Millisecond)
	m.Record(2 * 1024 * 1024)

	ops, mb := m.CurrentRates()
	require.InDelta(t, 1.5, ops, 0.001)
	require.InDelta(t, 2.0, mb, 0.001)
}

func TestMonitorPurgesExpiredSamples(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(100, 0)}
	m := NewMonitor(time.Second, clock)

	m.Record(100)
	m.Record(100)
	clock.Advance(1500 * time.Millisecond)
	m.Record(1024 * 1024)

	ops, mb := m.CurrentRates()
	require.InDelta(t, 1.0, ops, 0.001)
	require.InDelta(t, 1.0, mb, 0.001)

	clock.Advance(2 * time.Second)
	ops, mb = m.CurrentRates()
	require.Zero(t, ops)
	require.Zero(t, mb)
}
