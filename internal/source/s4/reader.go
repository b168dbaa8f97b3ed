// Package s4 reads telemetry lines from a WaterRower S4 monitor over its USB
// serial port.
package s4

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/source"
	"github.com/srg/rowflo/pkg/config"
)

// USB identifiers of the S4's CDC interface.
const (
	VendorID  = "04D8"
	ProductID = "000A"
)

// ErrNoDevice is returned when no S4 is plugged in and no port was configured.
var ErrNoDevice = errors.New("no S4 monitor found")

// Port is the subset of serial.Port the reader needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port (can be overridden in tests).
var PortOpener = func(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// PortLister enumerates serial ports (can be overridden in tests).
var PortLister = enumerator.GetDetailedPortsList

// PortInfo describes one serial port for listings.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// IsS4 reports whether the port carries the S4's USB identifiers.
func (p PortInfo) IsS4() bool {
	return p.USB && strings.EqualFold(p.VID, VendorID) && strings.EqualFold(p.PID, ProductID)
}

// ListPorts returns every serial port the OS reports.
func ListPorts() ([]PortInfo, error) {
	details, err := PortLister()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}

// Detect returns the first port that looks like an S4.
func Detect() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsS4() {
			return p.Name, nil
		}
	}
	return "", ErrNoDevice
}

// Stats are reader counters.
type Stats struct {
	Lines    uint64
	Uplinked uint64
	Opens    uint64
}

// Reader is the S4 source adapter.
type Reader struct {
	cfg    config.S4Config
	out    source.Outputs
	logger *logrus.Logger

	lines, uplinked, opens atomic.Uint64
}

var _ source.Source = (*Reader)(nil)

// NewReader creates an S4 reader.
func NewReader(cfg config.S4Config, out source.Outputs, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{cfg: cfg, out: out, logger: logger}
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{Lines: r.lines.Load(), Uplinked: r.uplinked.Load(), Opens: r.opens.Load()}
}

// Run reads until ctx is done. A lost or missing device is retried after
// ReconnectDelay; any other failure ends the reader.
func (r *Reader) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !isDisconnect(err) {
			return err
		}
		r.logger.WithError(err).WithField("retry_in", r.cfg.ReconnectDelay).Warn("S4 monitor unavailable")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

func (r *Reader) session(ctx context.Context) error {
	name := r.cfg.Port
	if name == "" {
		detected, err := Detect()
		if err != nil {
			return err
		}
		name = detected
	}

	port, err := PortOpener(name, &serial.Mode{
		BaudRate: r.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer func() {
		if err := port.Close(); err != nil {
			r.logger.WithError(err).WithField("port", name).Warn("Failed to close S4 port")
		}
	}()
	r.opens.Add(1)

	if err := port.SetReadTimeout(r.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	log := r.logger.WithField("port", name)
	log.Info("S4 monitor connected")

	if r.cfg.PollCommand != "" {
		if err := writeLine(port, r.cfg.PollCommand); err != nil {
			return err
		}
	}

	splitter := frame.NewLineSplitter(0)
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		if err := r.flushUplink(port); err != nil {
			return err
		}

		n, err := port.Read(buf)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		for _, line := range splitter.Feed(buf[:n]) {
			r.lines.Add(1)
			log.WithField("line", line).Trace("S4 line")
			r.out.Publish(line)
		}
	}
	return nil
}

func (r *Reader) flushUplink(port io.Writer) error {
	for {
		select {
		case line := <-r.out.UplinkC():
			if err := writeLine(port, line); err != nil {
				return err
			}
			r.uplinked.Add(1)
		default:
			return nil
		}
	}
}

func writeLine(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line+"\r\n"); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// isDisconnect reports whether err means the device went away or is not
// there yet, as opposed to a configuration problem.
func isDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrNoDevice) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "no such file or directory")
}
