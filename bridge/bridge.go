// Package bridge exposes the emulated SmartRow on a pseudo-terminal for bench
// work: lines typed into the slave reach the handshake state machine and
// relayed frames come back out of it, without any BLE hardware.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/emulator"
	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/ptyio"
)

// DefaultPtyWriteBufferSize is the size, in bytes, of the queue toward the slave.
const DefaultPtyWriteBufferSize = 1024

// ErrShortWrite reports a frame that did not fit in the PTY write queue.
var ErrShortWrite = errors.New("pty write queue full")

// Endpoint is what the bridge drives. *emulator.Service implements it.
type Endpoint interface {
	Write(data []byte) error
	StartNotify(n emulator.Notifier) error
	StopNotify() error
}

// Options configures a PTY transport.
type Options struct {
	Logger         *logrus.Logger
	WriteCap       int    // 0 = DefaultPtyWriteBufferSize
	TTYSymlinkPath string // optional stable path to the slave, e.g. /tmp/smartrow
	// OnReady is called with the slave path once the PTY is up.
	OnReady func(ttyName string)
}

// Transport serves the emulated SmartRow over a PTY.
type Transport struct {
	opts   Options
	logger *logrus.Logger
}

var _ emulator.Transport = (*Transport)(nil)

// New creates a PTY transport.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultPtyWriteBufferSize
	}
	return &Transport{opts: opts, logger: logger}
}

// Serve implements emulator.Transport.
func (t *Transport) Serve(ctx context.Context, svc *emulator.Service) error {
	return t.serve(ctx, svc)
}

// serve opens the PTY, starts notifying at once (a terminal has no
// subscribe step) and runs until ctx is done or the PTY fails.
func (t *Transport) serve(ctx context.Context, ep Endpoint) error {
	failed := make(chan error, 1)
	p, err := ptyio.Open(ptyio.Options{
		WriteCap: t.opts.WriteCap,
		Logger:   t.logger,
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close PTY")
		}
	}()

	log := t.logger.WithField("tty", p.TTYName())
	log.Info("Created PTY device")

	if path := t.opts.TTYSymlinkPath; path != "" {
		if err := os.Symlink(p.TTYName(), path); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", path, p.TTYName(), err)
		}
		defer func() {
			if err := os.Remove(path); err != nil {
				log.WithError(err).WithField("ttySymlink", path).Warn("Failed to remove tty symlink")
			}
		}()
		log.WithField("ttySymlink", path).Info("Created PTY symlink")
	}

	splitter := frame.NewLineSplitter(0)
	p.SetReadCallback(func(data []byte) {
		for _, line := range splitter.Feed(data) {
			if err := ep.Write([]byte(line)); err != nil {
				log.WithError(err).Debug("Dropping line typed into PTY")
			}
		}
	})
	defer p.SetReadCallback(nil)

	if err := ep.StartNotify(func(b []byte) error {
		n, err := p.Write(b)
		if err != nil {
			return err
		}
		if n < len(b) {
			return ErrShortWrite
		}
		return nil
	}); err != nil {
		return err
	}

	if t.opts.OnReady != nil {
		t.opts.OnReady(p.TTYName())
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-failed:
	}
	if stopErr := ep.StopNotify(); stopErr != nil && !errors.Is(stopErr, emulator.ErrServiceStopped) {
		log.WithError(stopErr).Debug("Stop notify failed")
	}
	return err
}
