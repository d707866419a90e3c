package rates

import (
	"math"
	"sync"
	"time"
)

const (
	minDetectedHours = 1
	maxDetectedHours = 24
)

// Detector infers per-symbol funding intervals from successive
// next-funding-time observations. When the published next funding time
// advances, the step between the old and new value is the interval.
type Detector struct {
	mu    sync.Mutex
	state map[string]detectorState
}

type detectorState struct {
	next  time.Time
	hours float64
}

func NewDetector() *Detector {
	return &Detector{state: make(map[string]detectorState)}
}

// Observe records next for symbol and returns the interval detected so
// far, or 0 when none is known yet.
func (d *Detector) Observe(symbol string, next time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state[symbol]
	if next.IsZero() {
		return st.hours
	}
	if !st.next.IsZero() && next.After(st.next) {
		if hours := roundHours(next.Sub(st.next)); hours >= minDetectedHours && hours <= maxDetectedHours {
			st.hours = hours
		}
	}
	if next.After(st.next) {
		st.next = next
	}
	d.state[symbol] = st
	return st.hours
}

// Hours returns the detected interval for symbol, or 0.
func (d *Detector) Hours(symbol string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[symbol].hours
}

// Seed sets a known interval, e.g. from an exchange's funding-info endpoint.
func (d *Detector) Seed(symbol string, hours float64) {
	if hours < minDetectedHours || hours > maxDetectedHours {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state[symbol]
	st.hours = hours
	d.state[symbol] = st
}

// IntervalFromTimes derives whole hours between two funding timestamps,
// or 0 when the gap is outside [1h, 24h].
func IntervalFromTimes(prev, next time.Time) float64 {
	if prev.IsZero() || next.IsZero() || !next.After(prev) {
		return 0
	}
	hours := roundHours(next.Sub(prev))
	if hours < minDetectedHours || hours > maxDetectedHours {
		return 0
	}
	return hours
}

func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours())
}
