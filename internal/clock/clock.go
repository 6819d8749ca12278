// Package clock abstracts time so the engine behaves identically under a
// live feed and a historical replay.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time to every component that makes
// bucket-boundary or session-hours decisions.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Simulated is advanced explicitly by the replay driver. Reads before the
// first Advance return the zero time.
type Simulated struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimulated returns a simulated clock starting at t.
func NewSimulated(t time.Time) *Simulated {
	return &Simulated{now: t}
}

func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Advance moves the clock forward to t. Moves backwards are ignored so an
// out-of-order tick cannot rewind session logic.
func (s *Simulated) Advance(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.now) {
		s.now = t
	}
}
