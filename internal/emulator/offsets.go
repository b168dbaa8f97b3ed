package emulator

import "time"

// Offsets is the baseline subtracted from the real device's counters so the
// app sees a session starting at zero.
type Offsets struct {
	Distance  int
	Strokes   int
	StartTime *time.Time
}

// OffsetTracker records the latest raw counters and the baseline taken from
// them on reset. Offsets only ever take values of observed counters, so they
// stay non-negative and never exceed a counter seen in the session.
type OffsetTracker struct {
	offsets         Offsets
	currentDistance int
	currentStrokes  int
}

// ObserveDistance stores raw as the current distance and returns it relative
// to the baseline, clamped at zero.
func (t *OffsetTracker) ObserveDistance(raw int) int {
	t.currentDistance = raw
	return clampZero(raw - t.offsets.Distance)
}

// ObserveStrokes stores raw as the current stroke count and returns it
// relative to the baseline, clamped at zero.
func (t *OffsetTracker) ObserveStrokes(raw int) int {
	t.currentStrokes = raw
	return clampZero(raw - t.offsets.Strokes)
}

// Recalibrate moves the baseline to the current counters and stops the timer.
func (t *OffsetTracker) Recalibrate() {
	t.offsets.Distance = t.currentDistance
	t.offsets.Strokes = t.currentStrokes
	t.offsets.StartTime = nil
}

// StartTimer starts the session clock unless it is already running.
// It reports whether the clock was started by this call.
func (t *OffsetTracker) StartTimer(now time.Time) bool {
	if t.offsets.StartTime != nil {
		return false
	}
	t.offsets.StartTime = &now
	return true
}

// Elapsed returns whole seconds since the timer started, or 0 if it has not.
func (t *OffsetTracker) Elapsed(now time.Time) int {
	if t.offsets.StartTime == nil {
		return 0
	}
	return clampZero(int(now.Sub(*t.offsets.StartTime) / time.Second))
}

// Snapshot returns a copy of the current baseline.
func (t *OffsetTracker) Snapshot() Offsets {
	o := t.offsets
	if o.StartTime != nil {
		st := *o.StartTime
		o.StartTime = &st
	}
	return o
}

// Current returns the last raw counters observed.
func (t *OffsetTracker) Current() (distance, strokes int) {
	return t.currentDistance, t.currentStrokes
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
