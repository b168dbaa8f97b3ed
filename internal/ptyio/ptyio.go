// Package ptyio wraps a pseudo-terminal master so the emulated SmartRow can
// be exercised from a terminal program or a serial test harness.
//
// Bytes written to the PTY are queued in a ring buffer and flushed by a
// background loop; bytes arriving from the slave side are handed to a read
// callback. Both loops poll the master with a timeout so Close never waits
// longer than one poll period.
//
//	p, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(b []byte) { ... })
//	_, _ = p.Write([]byte("a00012300010500015C4\r"))
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/rowflo/internal/groutine"
)

const (
	// DefaultWriteCap is the write queue size in bytes.
	DefaultWriteCap = 1024

	// DefaultPollTimeout bounds how long a loop waits before rechecking for shutdown.
	DefaultPollTimeout = 50 * time.Millisecond
)

// ReadCallback receives bytes written by the slave side. It runs on the read
// loop goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is invoked at most once when a loop fails. The PTY should be
// closed afterwards.
type ErrorCallback func(err error)

// Options configures Open.
type Options struct {
	WriteCap    int           // 0 = DefaultWriteCap
	PollTimeout time.Duration // 0 = DefaultPollTimeout
	Logger      *logrus.Logger
	OnError     ErrorCallback
}

// Stats are runtime counters.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	DroppedWrite  uint64
	BytesRead     uint64
	BytesWritten  uint64
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.WriteCloser
	// TTYName is the slave device path, e.g. /dev/pts/4.
	TTYName() string
	// SetReadCallback installs cb, or removes it when cb is nil.
	SetReadCallback(cb ReadCallback)
	Stats() Stats
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	pollMs  int

	writeBuf *ringbuffer.RingBuffer
	wake     chan struct{}
	readCb   atomic.Pointer[ReadCallback]

	onError ErrorCallback
	errOnce sync.Once

	cancel context.CancelFunc
	loops  []*groutine.Task
	closed atomic.Bool

	dropped, bytesRead, bytesWritten atomic.Uint64
}

// Open creates a PTY pair in raw mode and starts its I/O loops.
func Open(opts Options) (PTY, error) {
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = discard
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = DefaultWriteCap
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:   logger,
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		pollMs:   int(poll / time.Millisecond),
		writeBuf: ringbuffer.New(writeCap),
		wake:     make(chan struct{}, 1),
		onError:  opts.OnError,
		cancel:   cancel,
	}
	p.loops = []*groutine.Task{
		groutine.Go(ctx, "pty-read", p.readLoop),
		groutine.Go(ctx, "pty-write", p.writeLoop),
	}
	return p, nil
}

func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	closeBoth := func(cause error) error {
		var result *multierror.Error
		result = multierror.Append(result, cause)
		if err := master.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close master: %w", err))
		}
		if err := slave.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close slave: %w", err))
		}
		return result.ErrorOrNil()
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, closeBoth(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, closeBoth(fmt.Errorf("failed to set PTY master non-blocking: %w", err))
	}
	return master, slave, nil
}

func (p *ringPTY) fail(err error) {
	p.logger.WithError(err).Warn("PTY loop failed")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(err) })
	}
}

func (p *ringPTY) readLoop(ctx context.Context) error {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 1024)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			p.bytesRead.Add(uint64(n))
			if cb := p.readCb.Load(); cb != nil {
				(*cb)(buf[:n])
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return nil
		default:
			err = fmt.Errorf("PTY read: %w", err)
			p.fail(err)
			return err
		}
	}
	return nil
}

func (p *ringPTY) writeLoop(ctx context.Context) error {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 1024)
	idle := time.Duration(p.pollMs) * time.Millisecond

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return nil
			case <-p.wake:
			case <-time.After(idle):
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Debug("PTY write queue")
			continue
		}

		for off := 0; off < n; {
			if ctx.Err() != nil {
				return nil
			}
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.bytesWritten.Add(uint64(written))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("PTY write poll")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return nil
			default:
				err = fmt.Errorf("PTY write: %w", err)
				p.fail(err)
				return err
			}
		}
	}
}

// Write queues data for the slave. It never blocks; when the queue is full
// the excess is dropped and the short count is returned.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"queued": n, "size": len(data)}).Warn("PTY write queue full")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
}

func (p *ringPTY) TTYName() string { return p.ttyName }

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen: p.writeBuf.Length(),
		WriteQueueCap: p.writeBuf.Capacity(),
		DroppedWrite:  p.dropped.Load(),
		BytesRead:     p.bytesRead.Load(),
		BytesWritten:  p.bytesWritten.Load(),
	}
}

// Close stops both loops and releases the master and slave.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	// wait for the loops first; they hold the master descriptor
	grace := 4*time.Duration(p.pollMs)*time.Millisecond + time.Second
	for _, t := range p.loops {
		if !t.Join(grace) {
			p.logger.WithField("loop", t.Name()).Warn("PTY loop did not stop in time")
		}
	}

	var result *multierror.Error
	if err := p.master.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close slave: %w", err))
	}
	return result.ErrorOrNil()
}
