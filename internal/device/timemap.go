package device

import (
	"sync"
	"time"
)

// DEFAULT_TICK_RATE is the device counter rate in ticks per second,
// assumed until two synchronization points establish the actual rate.
const DEFAULT_TICK_RATE = 1e6

// TimeMap converts device tick counters to host time using timesync
// observations. One observation fixes the offset, a second fixes the
// rate. Safe for concurrent use.
type TimeMap struct {
	mu      sync.Mutex
	refTime time.Time
	refTick uint64
	rate    float64 // seconds per tick
	fixed   bool
}

// NewTimeMap returns a map assuming the nominal tick rate.
func NewTimeMap() *TimeMap {
	return &TimeMap{rate: 1.0 / DEFAULT_TICK_RATE}
}

// Update folds in one synchronization point. A counter that moved
// backwards re-fixes the offset without touching the rate, since the
// device clock restarted.
func (m *TimeMap) Update(host time.Time, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fixed && tick > m.refTick {
		dt := host.Sub(m.refTime).Seconds()
		dticks := float64(tick - m.refTick)
		if dt > 0 {
			m.rate = dt / dticks
		}
	}
	m.refTime = host
	m.refTick = tick
	m.fixed = true
}

// Time maps a device tick counter to host time. Ticks before the
// reference map backwards. Before any synchronization the zero time is
// returned.
func (m *TimeMap) Time(tick uint64) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fixed {
		return time.Time{}
	}
	dticks := float64(int64(tick - m.refTick))
	return m.refTime.Add(time.Duration(dticks * m.rate * float64(time.Second)))
}
