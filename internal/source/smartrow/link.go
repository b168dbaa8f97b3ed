package smartrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/pkg/config"
)

// notificationBuffer bounds payloads queued between the BLE stack and the reader.
const notificationBuffer = 32

// ErrMissingCharacteristic is returned when the device lacks the SmartRow profile.
var ErrMissingCharacteristic = errors.New("smartrow characteristic not found")

type bleLink struct {
	client ble.Client
	write  *ble.Characteristic
	logger *logrus.Logger

	notify chan []byte
	done   chan struct{}
	once   sync.Once
}

// DialBLE connects to the SmartRow by address, or by advertised name when no
// address is configured, and subscribes to its notify characteristic.
func DialBLE(ctx context.Context, cfg config.SmartRowConfig, logger *logrus.Logger) (Link, error) {
	if _, err := devicefactory.Acquire(logger); err != nil {
		return nil, err
	}

	connCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		client ble.Client
		err    error
	)
	if cfg.Address != "" {
		logger.WithField("address", cfg.Address).Info("Dialing SmartRow...")
		client, err = ble.Dial(connCtx, ble.NewAddr(cfg.Address))
	} else {
		logger.WithField("name", cfg.Name).Info("Scanning for SmartRow...")
		client, err = ble.Connect(connCtx, func(a ble.Advertisement) bool {
			return a.Connectable() && a.LocalName() == cfg.Name
		})
	}
	if err != nil {
		return nil, err
	}

	link, err := newBLELink(client, logger)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Warn("Failed to cancel connection after setup failure")
		}
		return nil, err
	}
	logger.WithField("address", client.Addr().String()).Info("SmartRow connected")
	return link, nil
}

func newBLELink(client ble.Client, logger *logrus.Logger) (*bleLink, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	write := profile.FindCharacteristic(ble.NewCharacteristic(ble.UUID16(frame.WriteUUID16)))
	notify := profile.FindCharacteristic(ble.NewCharacteristic(ble.UUID16(frame.NotifyUUID16)))
	if write == nil || notify == nil {
		return nil, ErrMissingCharacteristic
	}

	l := &bleLink{
		client: client,
		write:  write,
		logger: logger,
		notify: make(chan []byte, notificationBuffer),
		done:   make(chan struct{}),
	}
	if err := client.Subscribe(notify, false, l.onNotification); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			select {
			case <-dc.Disconnected():
				l.logger.Warn("SmartRow reported disconnection")
				l.markDone()
			case <-l.done:
			}
		}()
	}
	return l, nil
}

func (l *bleLink) onNotification(data []byte) {
	payload := append([]byte(nil), data...)
	select {
	case l.notify <- payload:
	default:
		l.logger.Warn("SmartRow notification dropped, reader is behind")
	}
}

func (l *bleLink) Write(p []byte) error {
	return l.client.WriteCharacteristic(l.write, p, false)
}

func (l *bleLink) Notifications() <-chan []byte { return l.notify }

func (l *bleLink) Done() <-chan struct{} { return l.done }

func (l *bleLink) markDone() {
	l.once.Do(func() { close(l.done) })
}

func (l *bleLink) Close() error {
	l.markDone()
	return l.client.CancelConnection()
}
