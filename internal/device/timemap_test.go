package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeMapUnfixed(t *testing.T) {
	m := NewTimeMap()
	assert.True(t, m.Time(12345).IsZero())
}

func TestTimeMapSinglePointUsesNominalRate(t *testing.T) {
	m := NewTimeMap()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Update(t0, 1000)

	assert.Equal(t, t0, m.Time(1000))
	// default rate is 1MHz, one million ticks is one second
	assert.WithinDuration(t, t0.Add(time.Second), m.Time(1_001_000), time.Microsecond)
	assert.WithinDuration(t, t0.Add(-time.Millisecond), m.Time(0), time.Microsecond)
}

func TestTimeMapTwoPointsFixRate(t *testing.T) {
	m := NewTimeMap()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Update(t0, 0)
	// two million ticks over one second: 2MHz
	m.Update(t0.Add(time.Second), 2_000_000)

	assert.Equal(t, t0.Add(time.Second), m.Time(2_000_000))
	assert.WithinDuration(t, t0.Add(1500*time.Millisecond), m.Time(3_000_000), time.Microsecond)
	// ticks before the reference map backwards
	assert.WithinDuration(t, t0.Add(500*time.Millisecond), m.Time(1_000_000), time.Microsecond)
}

func TestTimeMapCounterRestart(t *testing.T) {
	m := NewTimeMap()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Update(t0, 0)
	m.Update(t0.Add(time.Second), 2_000_000) // rate now 2MHz

	// the device clock restarted: offset re-fixes, rate survives
	t1 := t0.Add(5 * time.Second)
	m.Update(t1, 100)
	assert.WithinDuration(t, t1.Add(time.Second), m.Time(2_000_100), time.Microsecond)
}
