package supervisor

import (
	"sync"
	"time"
)

// RunFlag is the single shared shutdown switch. Every read and write, and
// the latch of the shutdown timestamp, happen under its mutex.
type RunFlag struct {
	mu        sync.Mutex
	run       bool
	reason    string
	stoppedAt time.Time
	stopped   chan struct{}
}

// NewRunFlag returns a flag in the running position.
func NewRunFlag() *RunFlag {
	return &RunFlag{run: true, stopped: make(chan struct{})}
}

// Running reports whether the pipeline should keep going.
func (f *RunFlag) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run
}

// Stop clears the flag and latches the time and reason of the first call.
// It reports whether this call flipped the flag.
func (f *RunFlag) Stop(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.run {
		return false
	}
	f.run = false
	f.reason = reason
	f.stoppedAt = time.Now()
	close(f.stopped)
	return true
}

// Stopped is closed once Stop has been called.
func (f *RunFlag) Stopped() <-chan struct{} {
	return f.stopped
}

// StoppedAt returns when and why the flag was cleared.
func (f *RunFlag) StoppedAt() (time.Time, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stoppedAt, f.reason
}
