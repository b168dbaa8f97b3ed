// Package blesink broadcasts telemetry lines over the Nordic UART Service so
// a nearby phone or head unit can follow the session.
package blesink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/sink"
	"github.com/srg/rowflo/pkg/config"
)

// Nordic UART Service.
var (
	ServiceUUID = ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	RxUUID      = ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e") // central writes
	TxUUID      = ble.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e") // we notify
)

// Stats are sink counters.
type Stats struct {
	Lines       uint64
	Notified    uint64
	Subscribers int
	Commands    uint64
}

// Sink is the short-range broadcast sink.
type Sink struct {
	name   string
	q      *queue.RelayQueue[string]
	uplink *queue.RingChannel[string]
	logger *logrus.Logger

	mu          sync.Mutex
	subscribers map[ble.Notifier]struct{}

	lines, notified, commands atomic.Uint64
}

var _ sink.Sink = (*Sink)(nil)

// New creates a NUS sink draining q. Lines the central writes to RX are
// pushed to uplink when it is set.
func New(cfg config.BLESinkConfig, q *queue.RelayQueue[string], uplink *queue.RingChannel[string], logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{
		name:        cfg.Name,
		q:           q,
		uplink:      uplink,
		logger:      logger,
		subscribers: make(map[ble.Notifier]struct{}),
	}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	subs := len(s.subscribers)
	s.mu.Unlock()
	return Stats{
		Lines:       s.lines.Load(),
		Notified:    s.notified.Load(),
		Subscribers: subs,
		Commands:    s.commands.Load(),
	}
}

// Service builds the NUS GATT service.
func (s *Sink) Service() *ble.Service {
	svc := ble.NewService(ServiceUUID)
	svc.NewCharacteristic(RxUUID).HandleWrite(ble.WriteHandlerFunc(s.serveWrite))
	svc.NewCharacteristic(TxUUID).HandleNotify(ble.NotifyHandlerFunc(s.serveNotify))
	return svc
}

// Run registers the service, advertises and broadcasts every line popped
// from the queue.
func (s *Sink) Run(ctx context.Context) error {
	dev, err := devicefactory.Acquire(s.logger)
	if err != nil {
		return err
	}
	if err := dev.AddService(s.Service()); err != nil {
		return fmt.Errorf("failed to register NUS service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	advErr := make(chan error, 1)
	go func() {
		s.logger.WithField("name", s.name).Info("Advertising telemetry broadcast")
		advErr <- dev.AdvertiseNameAndServices(ctx, s.name, ServiceUUID)
	}()

	drained := make(chan error, 1)
	go func() { drained <- sink.Drain(ctx, s.q, s.Broadcast) }()

	select {
	case err := <-advErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("advertising stopped: %w", err)
	case err := <-drained:
		return err
	}
}

// Broadcast notifies every subscriber. A subscriber whose write fails is
// dropped; the sink itself never fails on a single central.
func (s *Sink) Broadcast(line string) error {
	s.lines.Add(1)
	payload := []byte(line + frame.Terminator)

	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.subscribers {
		if err := notify(n, payload); err != nil {
			s.logger.WithError(err).Debug("Dropping NUS subscriber")
			delete(s.subscribers, n)
			continue
		}
		s.notified.Add(1)
	}
	return nil
}

func notify(n ble.Notifier, payload []byte) error {
	size := n.Cap()
	if size <= 0 {
		size = len(payload)
	}
	for len(payload) > 0 {
		chunk := min(size, len(payload))
		if _, err := n.Write(payload[:chunk]); err != nil {
			return err
		}
		payload = payload[chunk:]
	}
	return nil
}

func (s *Sink) serveWrite(req ble.Request, _ ble.ResponseWriter) {
	line := strings.TrimRight(string(req.Data()), "\r\n")
	if line == "" {
		return
	}
	s.commands.Add(1)
	s.logger.WithField("line", line).Debug("NUS command")
	if s.uplink != nil {
		s.uplink.Send(line)
	}
}

func (s *Sink) serveNotify(_ ble.Request, n ble.Notifier) {
	s.mu.Lock()
	s.subscribers[n] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("NUS central subscribed")

	<-n.Context().Done()

	s.mu.Lock()
	delete(s.subscribers, n)
	s.mu.Unlock()
	s.logger.Info("NUS central unsubscribed")
}
