package core

import "fmt"

// ClockGuard enforces that event timestamps never go backwards. Equal
// timestamps are allowed: many events may share one second.
type ClockGuard struct {
	last int64
}

func NewClockGuard() *ClockGuard {
	return &ClockGuard{}
}

// Validate rejects a timestamp before the last applied one.
func (g *ClockGuard) Validate(ts int64) error {
	if ts < g.last {
		return fmt.Errorf("%w: got %d, last %d", ErrClockRegression, ts, g.last)
	}
	return nil
}

// Advance records an applied timestamp.
func (g *ClockGuard) Advance(ts int64) {
	if ts > g.last {
		g.last = ts
	}
}

func (g *ClockGuard) Last() int64 {
	return g.last
}

// Restore sets the clock from a snapshot.
func (g *ClockGuard) Restore(ts int64) {
	g.last = ts
}
