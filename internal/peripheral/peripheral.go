// Package peripheral presents the emulated SmartRow to the app as a BLE GATT
// server.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/emulator"
	"github.com/srg/rowflo/internal/frame"
)

// ErrRegistration wraps failures to publish the GATT service. They are fatal
// to the emulator task.
var ErrRegistration = errors.New("failed to register SmartRow service")

// Endpoint is what the GATT handlers drive. *emulator.Service implements it.
type Endpoint interface {
	Write(data []byte) error
	StartNotify(n emulator.Notifier) error
	StopNotify() error
}

// Transport advertises the emulated SmartRow over BLE.
type Transport struct {
	name   string
	logger *logrus.Logger
}

var _ emulator.Transport = (*Transport)(nil)

// New creates a BLE transport advertising under name.
func New(name string, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{name: name, logger: logger}
}

// Serve registers the SmartRow service and advertises until ctx is done.
func (t *Transport) Serve(ctx context.Context, svc *emulator.Service) error {
	dev, err := devicefactory.Acquire(t.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if err := dev.AddService(NewService(svc, t.logger)); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	t.logger.WithFields(logrus.Fields{
		"name":    t.name,
		"service": fmt.Sprintf("%04X", frame.ServiceUUID16),
	}).Info("Advertising emulated SmartRow")

	err = dev.AdvertiseNameAndServices(ctx, t.name, ble.UUID16(frame.ServiceUUID16))
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: advertising: %w", ErrRegistration, err)
	}
	return nil
}

// NewService builds the SmartRow GATT service around ep.
//
// 1235 takes the app's lines. 1236 notifies frames; subscribing starts the
// telemetry relay and unsubscribing resets the app connection.
func NewService(ep Endpoint, logger *logrus.Logger) *ble.Service {
	if logger == nil {
		logger = logrus.New()
	}
	h := &handlers{ep: ep, logger: logger}

	svc := ble.NewService(ble.UUID16(frame.ServiceUUID16))

	rx := svc.NewCharacteristic(ble.UUID16(frame.WriteUUID16))
	rx.HandleWrite(ble.WriteHandlerFunc(h.serveWrite))
	rx.HandleRead(ble.ReadHandlerFunc(h.serveRead))

	tx := svc.NewCharacteristic(ble.UUID16(frame.NotifyUUID16))
	tx.HandleNotify(ble.NotifyHandlerFunc(h.serveNotify))
	tx.HandleRead(ble.ReadHandlerFunc(h.serveRead))
	tx.HandleWrite(ble.WriteHandlerFunc(h.serveWrite))

	return svc
}

type handlers struct {
	ep     Endpoint
	logger *logrus.Logger

	mu   sync.Mutex
	last []byte
}

func (h *handlers) serveWrite(req ble.Request, rsp ble.ResponseWriter) {
	data := append([]byte(nil), req.Data()...)
	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	if err := h.ep.Write(data); err != nil {
		h.logger.WithError(err).Warn("Inbound write rejected")
		rsp.SetStatus(ble.ErrUnlikely)
	}
}

// serveRead returns the last line the app wrote.
func (h *handlers) serveRead(_ ble.Request, rsp ble.ResponseWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := rsp.Write(h.last); err != nil {
		h.logger.WithError(err).Debug("Read response truncated")
	}
}

func (h *handlers) serveNotify(_ ble.Request, n ble.Notifier) {
	h.logger.Info("App subscribed")
	if err := h.ep.StartNotify(notifierFunc(n)); err != nil {
		h.logger.WithError(err).Warn("Could not start notifying")
		return
	}

	<-n.Context().Done()

	h.logger.Info("App unsubscribed")
	if err := h.ep.StopNotify(); err != nil && !errors.Is(err, emulator.ErrServiceStopped) {
		h.logger.WithError(err).Warn("Could not stop notifying")
	}
}

// notifierFunc writes a frame in pieces no larger than the notification
// capacity of the connection.
func notifierFunc(n ble.Notifier) emulator.Notifier {
	return func(b []byte) error {
		size := n.Cap()
		if size <= 0 {
			size = len(b)
		}
		for len(b) > 0 {
			chunk := min(size, len(b))
			if _, err := n.Write(b[:chunk]); err != nil {
				return err
			}
			b = b[chunk:]
		}
		return nil
	}
}
