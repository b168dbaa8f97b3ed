// Package gate implements the one-shot passthrough signal: the emulator waits
// on it before presenting itself, and the real-device reader opens it once
// that device has completed its own handshake.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate is a one-shot latch. Open is idempotent and safe from any goroutine.
//
// A nil *Gate is permanently open, which is how non-passthrough topologies
// skip the wait.
type Gate struct {
	once     sync.Once
	done     chan struct{}
	openedAt atomic.Int64
}

// New returns a closed gate.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Open releases every waiter. It reports whether this call did the opening.
func (g *Gate) Open() bool {
	if g == nil {
		return false
	}
	opened := false
	g.once.Do(func() {
		g.openedAt.Store(time.Now().UnixNano())
		close(g.done)
		opened = true
	})
	return opened
}

// Done returns a channel closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	if g == nil {
		return closedChan
	}
	return g.done
}

// IsOpen reports whether the gate has been opened.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.Done():
		return true
	default:
		return false
	}
}

// OpenedAt returns when the gate was opened, or the zero time.
func (g *Gate) OpenedAt() time.Time {
	if g == nil {
		return time.Time{}
	}
	ns := g.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
