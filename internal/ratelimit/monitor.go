package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/JakeFAU/filing-archiver/internal/filing"
)

type sample struct {
	at    time.Time
	bytes int64
}

// Monitor keeps a sliding window of completed operations and transferred bytes.
// It is for display only and never blocks longer than one purge.
type Monitor struct {
	mu      sync.Mutex
	window  time.Duration
	clock   filing.Clock
	samples []sample
}

// NewMonitor builds a Monitor; a nil clock uses wall time.
func NewMonitor(window time.Duration, clock filing.Clock) *Monitor {
	if window <= 0 {
		window = time.Second
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Monitor{window: window, clock: clock}
}

// Record appends one completed operation of size bytes.
func (m *Monitor) Record(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.samples = append(m.samples, sample{at: now, bytes: int64(size)})
	m.purge(now)
}

// CurrentRates returns operations per second (one decimal) and megabytes per second
// (two decimals) over the window, or zeros when the window is empty.
func (m *Monitor) CurrentRates() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(m.clock.Now())
	if len(m.samples) == 0 {
		return 0, 0
	}
	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	seconds := m.window.Seconds()
	ops := float64(len(m.samples)) / seconds
	mb := float64(total) / 1024 / 1024 / seconds
	return math.Round(ops*10) / 10, math.Round(mb*100) / 100
}

func (m *Monitor) purge(now time.Time) {
	cutoff := now.Add(-m.window)
	idx := 0
	for idx < len(m.samples) && m.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	m.samples = append(m.samples[:0], m.samples[idx:]...)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
