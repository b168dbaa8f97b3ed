// Package scheduler provides the repeating timer that drives the emulator's
// relay tick. A Scheduler is registered once with a period and exposes its
// ticks as a channel, so the owning event loop selects on it next to its
// other inputs and suspends only between ticks.
package scheduler

import (
	"time"
)

// DefaultPeriod is the relay tick period of the emulated SmartRow.
const DefaultPeriod = 50 * time.Millisecond

// TickerFunc creates a running ticker and returns its channel and stop function.
type TickerFunc func(period time.Duration) (<-chan time.Time, func())

// SystemTicker is the TickerFunc backed by time.Ticker.
func SystemTicker(period time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(period)
	return t.C, t.Stop
}

// Scheduler is a start/stop repeating timer. It is not safe for concurrent
// use; the event loop that selects on C owns it.
type Scheduler struct {
	period    time.Duration
	newTicker TickerFunc

	c    <-chan time.Time
	stop func()
}

// New creates a stopped scheduler. A nil newTicker selects SystemTicker; a
// non-positive period selects DefaultPeriod.
func New(period time.Duration, newTicker TickerFunc) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	if newTicker == nil {
		newTicker = SystemTicker
	}
	return &Scheduler{period: period, newTicker: newTicker}
}

// Start arms the timer. It returns false if the timer was already running.
func (s *Scheduler) Start() bool {
	if s.stop != nil {
		return false
	}
	s.c, s.stop = s.newTicker(s.period)
	return true
}

// Stop disarms the timer. It returns false if the timer was not running.
func (s *Scheduler) Stop() bool {
	if s.stop == nil {
		return false
	}
	s.stop()
	s.c, s.stop = nil, nil
	return true
}

// C returns the tick channel, or nil while stopped so that a select on it
// never fires.
func (s *Scheduler) C() <-chan time.Time {
	return s.c
}

// Running reports whether the timer is armed.
func (s *Scheduler) Running() bool {
	return s.stop != nil
}

// Period returns the tick period.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Manual is a hand-driven TickerFunc for tests and bench tools. Each call to
// Fire delivers one tick to whichever scheduler currently holds it.
type Manual struct {
	ch chan time.Time
}

// NewManual creates a manual ticker source.
func NewManual() *Manual {
	return &Manual{ch: make(chan time.Time)}
}

// Ticker satisfies TickerFunc.
func (m *Manual) Ticker(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {}
}

// Fire blocks until the tick is received or the timeout elapses.
// It reports whether the tick was delivered.
func (m *Manual) Fire(now time.Time, timeout time.Duration) bool {
	select {
	case m.ch <- now:
		return true
	case <-time.After(timeout):
		return false
	}
}
