package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with the time left until a
// deadline. It is single-use: Start once, Stop at least once.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	phase    atomic.Value // string
	stopAt   string
	duration time.Duration

	start time.Time
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewCountdownProgressPrinter counts down from duration while in phase. It
// stops by itself once the phase becomes stopAt.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopAt string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		stopAt:   stopAt,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// isTerminal reports whether w redraws in place.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.start = time.Now()
	p.draw()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.draw()
			}
		}
	}()
}

func (p *ProgressPrinter) draw() {
	phase := p.phase.Load().(string)
	if p.duration <= 0 {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
		return
	}
	remaining := p.duration - time.Since(p.start)
	seconds := 0
	if remaining > 0 {
		seconds = int(remaining.Seconds() + 0.5)
	}
	fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
}

// Callback returns a ProgressCallback that switches the phase.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if phase == p.stopAt {
			p.Stop()
		}
	}
}

// Stop ends the redraw loop and clears the line.
func (p *ProgressPrinter) Stop() {
	p.once.Do(func() {
		close(p.stop)
		if !p.start.IsZero() {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}
