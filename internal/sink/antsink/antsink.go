// Package antsink forwards telemetry lines to the long-range broadcast stick
// over its serial interface.
package antsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/sink"
	"github.com/srg/rowflo/pkg/config"
)

// Dynastream (Garmin) USB vendor ID carried by ANT sticks.
const VendorID = "0FCF"

// ErrNoStick is returned when no port is configured and none can be found.
var ErrNoStick = errors.New("no ANT stick found")

// PortOpener opens the stick's serial port (can be overridden in tests).
var PortOpener = func(name string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(name, mode)
}

// PortLister enumerates serial ports (can be overridden in tests).
var PortLister = enumerator.GetDetailedPortsList

// Detect returns the first port with the ANT vendor ID.
func Detect() (string, error) {
	ports, err := PortLister()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.VID, VendorID) {
			return p.Name, nil
		}
	}
	return "", ErrNoStick
}

// Sink is the long-range broadcast sink.
type Sink struct {
	cfg    config.SerialConfig
	q      *queue.RelayQueue[string]
	logger *logrus.Logger

	written atomic.Uint64
}

var _ sink.Sink = (*Sink)(nil)

// New creates an ANT sink draining q.
func New(cfg config.SerialConfig, q *queue.RelayQueue[string], logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{cfg: cfg, q: q, logger: logger}
}

// Written returns how many lines reached the stick.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Run opens the stick and writes every popped line until ctx is done or a
// write fails.
func (s *Sink) Run(ctx context.Context) error {
	name := s.cfg.Port
	if name == "" {
		detected, err := Detect()
		if err != nil {
			return err
		}
		name = detected
	}

	port, err := PortOpener(name, &serial.Mode{
		BaudRate: s.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open ANT stick %s: %w", name, err)
	}
	defer func() { _ = port.Close() }()
	s.logger.WithField("port", name).Info("ANT stick opened")

	return sink.Drain(ctx, s.q, func(line string) error {
		if _, err := io.WriteString(port, line+frame.Terminator); err != nil {
			return fmt.Errorf("write to ANT stick %s: %w", name, err)
		}
		s.written.Add(1)
		return nil
	})
}
