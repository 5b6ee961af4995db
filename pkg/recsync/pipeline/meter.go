package pipeline

import (
	"sync"
	"time"
)

// meterWindow bounds the sliding window used for throughput reporting.
const meterWindow = 60 * time.Second

type meterSample struct {
	at    time.Time
	count int64
}

// Meter tracks moving throughput in records per second.
type Meter struct {
	mu      sync.Mutex
	samples []meterSample
	now     func() time.Time
}

// NewMeter creates a Meter.
func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// Add records n processed records.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, meterSample{at: m.now(), count: n})
	m.trim()
}

// Speed returns the recent records-per-second rate.
func (m *Meter) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trim()
	if len(m.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range m.samples {
		total += s.count
	}
	elapsed := m.now().Sub(m.samples[0].at).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	return float64(total) / elapsed
}

func (m *Meter) trim() {
	cutoff := m.now().Add(-meterWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
