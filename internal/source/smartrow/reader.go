// Package smartrow reads telemetry from a real SmartRow over BLE.
//
// The reader plays the app's side of the keylock handshake, then forwards
// every notified line to the pipeline and opens the passthrough gate so the
// emulated SmartRow can start advertising.
package smartrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/source"
	"github.com/srg/rowflo/pkg/config"
)

const (
	connectRequest = "$"
	keylockPrefix  = "KEYLOCK="
	// keylockReplies matches the number of lines the device counts after its challenge.
	keylockReplies = 6
)

var (
	// ErrDisconnected is returned when the link drops after the handshake.
	ErrDisconnected = errors.New("smartrow disconnected")

	// ErrHandshakeTimeout is returned when no telemetry follows the connect request.
	ErrHandshakeTimeout = errors.New("smartrow handshake timed out")
)

// Link is a connected SmartRow.
type Link interface {
	// Write sends one line to the write characteristic.
	Write(p []byte) error
	// Notifications delivers raw notification payloads.
	Notifications() <-chan []byte
	// Done is closed when the connection drops.
	Done() <-chan struct{}
	Close() error
}

// Dialer connects to a SmartRow.
type Dialer func(ctx context.Context, cfg config.SmartRowConfig, logger *logrus.Logger) (Link, error)

// Option configures a Reader.
type Option func(*Reader)

// WithDialer replaces the go-ble dialer.
func WithDialer(d Dialer) Option {
	return func(r *Reader) { r.dial = d }
}

// Stats are reader counters.
type Stats struct {
	Lines    uint64
	Uplinked uint64
}

// Reader is the SmartRow source adapter.
type Reader struct {
	cfg    config.SmartRowConfig
	out    source.Outputs
	logger *logrus.Logger
	dial   Dialer

	lines, uplinked atomic.Uint64
}

var _ source.Source = (*Reader)(nil)

// NewReader creates a SmartRow reader.
func NewReader(cfg config.SmartRowConfig, out source.Outputs, logger *logrus.Logger, opts ...Option) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Reader{cfg: cfg, out: out, logger: logger, dial: DialBLE}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{Lines: r.lines.Load(), Uplinked: r.uplinked.Load()}
}

// Run connects, performs the handshake and relays lines until ctx is done
// or the device goes away.
func (r *Reader) Run(ctx context.Context) error {
	link, err := r.dial(ctx, r.cfg, r.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to SmartRow: %w", err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			r.logger.WithError(err).Debug("SmartRow close failed")
		}
	}()

	splitter := frame.NewLineSplitter(0)
	first, err := r.handshake(ctx, link, splitter)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.logger.Info("SmartRow handshake complete")
	r.out.Gate.Open()
	r.publish(first)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-link.Done():
			return ErrDisconnected
		case chunk := <-link.Notifications():
			r.publish(splitter.Feed(chunk)...)
		case line := <-r.out.UplinkC():
			if err := link.Write([]byte(line)); err != nil {
				return fmt.Errorf("failed to write to SmartRow: %w", err)
			}
			r.uplinked.Add(1)
		}
	}
}

func (r *Reader) publish(lines ...string) {
	for _, line := range lines {
		r.lines.Add(1)
		r.logger.WithField("line", line).Trace("SmartRow line")
		r.out.Publish(line)
	}
}

// handshake sends the connect request and answers the keylock challenge.
// It ends at the first telemetry line, which is returned for publishing.
func (r *Reader) handshake(ctx context.Context, link Link, splitter *frame.LineSplitter) ([]string, error) {
	for range 2 {
		if err := link.Write([]byte(connectRequest)); err != nil {
			return nil, fmt.Errorf("failed to send connect request: %w", err)
		}
	}

	timeout := r.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-link.Done():
			return nil, ErrDisconnected
		case <-timer.C:
			return nil, ErrHandshakeTimeout
		case chunk := <-link.Notifications():
			lines := splitter.Feed(chunk)
			for i, line := range lines {
				if idx := strings.Index(line, keylockPrefix); idx >= 0 {
					if err := r.answer(link, line[idx:]); err != nil {
						return nil, err
					}
					continue
				}
				if isTelemetry(line) {
					return lines[i:], nil
				}
				r.logger.WithField("line", line).Debug("Ignoring line during handshake")
			}
		}
	}
}

func (r *Reader) answer(link Link, challenge string) error {
	r.logger.WithField("challenge", challenge).Debug("Answering keylock challenge")
	for range keylockReplies {
		if err := link.Write([]byte(challenge)); err != nil {
			return fmt.Errorf("failed to answer keylock: %w", err)
		}
	}
	return nil
}

func isTelemetry(line string) bool {
	return len(line) >= frame.MinTelemetryLen && !frame.IsSentinel(line)
}
