package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a named goroutine with pprof labels and returns a handle to it.
// Example usage:
//
//	t := groutine.Go(ctx, "s4", func(ctx context.Context) error {
//	    return reader.Run(ctx)
//	})
//	if !t.Join(10 * time.Second) { /* still running */ }
//
// If parentCtx is nil, context.Background() is used. A panic in fn is
// recovered and reported as the task error.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context) error) *Task {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	t := &Task{name: name, done: make(chan struct{}), started: time.Now()}
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("goroutine %q panicked: %v", name, r)
			}
			t.finish(err)
		}()
		err = fn(ctx)
	})
	return t
}

// Task is a handle to a goroutine started by Go.
type Task struct {
	name    string
	started time.Time
	done    chan struct{}

	mu    sync.Mutex
	err   error
	ended time.Time
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.ended = time.Now()
	t.mu.Unlock()
	close(t.done)
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Done is closed when the goroutine returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Alive reports whether the goroutine is still running.
func (t *Task) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for the goroutine to return and reports whether it did.
// A non-positive timeout waits forever.
func (t *Task) Join(timeout time.Duration) bool {
	if timeout <= 0 {
		<-t.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Err returns the goroutine's result once it has returned.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Uptime returns how long the goroutine ran, or has been running.
func (t *Task) Uptime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended.IsZero() {
		return time.Since(t.started)
	}
	return t.ended.Sub(t.started)
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
