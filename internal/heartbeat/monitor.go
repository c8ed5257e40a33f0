// Package heartbeat tracks connector liveness and cancels work whose
// connector stopped producing output.
package heartbeat

import (
	"sync/atomic"
	"time"
)

// Liveness is the answer to "is the connector still alive".
type Liveness int

const (
	// Unknown means no beat was ever recorded.
	Unknown Liveness = iota
	// Fresh means the last beat is within the threshold.
	Fresh
	// Stale means the last beat is older than the threshold.
	Stale
)

// String returns the liveness name.
func (l Liveness) String() string {
	switch l {
	case Fresh:
		return "Fresh"
	case Stale:
		return "Stale"
	default:
		return "Unknown"
	}
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Monitor records the time of the last observed connector activity.
// It is safe for concurrent use: one writer beats while any number of
// readers query.
type Monitor struct {
	threshold time.Duration
	now       Clock
	last      atomic.Int64 // unix nanos, 0 = never
}

// NewMonitor returns a monitor considering a connector stale once no beat
// was seen for threshold. A nil clock uses time.Now.
func NewMonitor(threshold time.Duration, clock Clock) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{threshold: threshold, now: clock}
}

// Beat records activity now.
func (m *Monitor) Beat() {
	m.last.Store(m.now().UnixNano())
}

// IsBeating reports the liveness of the connector.
func (m *Monitor) IsBeating() Liveness {
	since, ok := m.TimeSinceLastBeat()
	switch {
	case !ok:
		return Unknown
	case since >= m.threshold:
		return Stale
	default:
		return Fresh
	}
}

// TimeSinceLastBeat returns the elapsed time since the last beat, or false
// if there never was one. Clock skew backwards yields zero.
func (m *Monitor) TimeSinceLastBeat() (time.Duration, bool) {
	last := m.last.Load()
	if last == 0 {
		return 0, false
	}
	d := m.now().Sub(time.Unix(0, last))
	if d < 0 {
		d = 0
	}
	return d, true
}

// Threshold returns the staleness threshold.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}
