package emulator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rowflo/internal/gate"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/scheduler"
)

// Notifier delivers one outbound frame to the subscribed app.
type Notifier func(frame []byte) error

// Transport exposes a Service to the app: it registers the emulated device,
// feeds inbound writes through Service.Write and brackets subscriptions with
// Service.StartNotify / Service.StopNotify. Serve blocks until ctx is done or
// registration fails.
type Transport interface {
	Serve(ctx context.Context, svc *Service) error
}

// ErrServiceStopped is returned by Service methods after Run has exited.
var ErrServiceStopped = errors.New("emulator service stopped")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Input     LineSource                 // telemetry from the real device
	Uplink    *queue.RingChannel[string] // lines forwarded toward the real device (optional)
	Ticker    scheduler.TickerFunc       // nil = system ticker
	Period    time.Duration              // 0 = scheduler.DefaultPeriod
	Logger    *logrus.Logger
	Challenge ChallengeSource
}

// Stats are counters maintained by the event loop.
type Stats struct {
	Inbound      uint64
	Frames       uint64
	DecodeErrors uint64
	NotifyErrors uint64
	Forwarded    uint64
}

type notifyEvent struct {
	start    bool
	notifier Notifier
}

// Service runs the emulator event loop. Transports talk to it through its
// methods from any goroutine; the Session is touched only by Run.
type Service struct {
	session   *Session
	input     LineSource
	uplink    *queue.RingChannel[string]
	scheduler *scheduler.Scheduler
	logger    *logrus.Logger

	inbound chan string
	control chan notifyEvent
	done    chan struct{}

	state atomic.Int32
	stats struct {
		inbound, frames, decodeErrors, notifyErrors, forwarded atomic.Uint64
	}
}

// NewService creates a Service with a fresh Session.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	opts := []SessionOption{WithLogger(logger)}
	if cfg.Challenge != nil {
		opts = append(opts, WithChallengeSource(cfg.Challenge))
	}
	s := &Service{
		session:   NewSession(opts...),
		input:     cfg.Input,
		uplink:    cfg.Uplink,
		scheduler: scheduler.New(cfg.Period, cfg.Ticker),
		logger:    logger,
		inbound:   make(chan string, 16),
		control:   make(chan notifyEvent, 4),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(Start))
	return s
}

// Write submits bytes written by the app to the control characteristic.
func (s *Service) Write(data []byte) error {
	select {
	case s.inbound <- string(data):
		return nil
	case <-s.done:
		return ErrServiceStopped
	}
}

// StartNotify begins ticking toward n. A second call while notifying is ignored.
func (s *Service) StartNotify(n Notifier) error {
	if n == nil {
		return errors.New("emulator: nil notifier")
	}
	return s.sendControl(notifyEvent{start: true, notifier: n})
}

// StopNotify stops ticking and resets the app connection.
func (s *Service) StopNotify() error {
	return s.sendControl(notifyEvent{start: false})
}

func (s *Service) sendControl(ev notifyEvent) error {
	select {
	case s.control <- ev:
		return nil
	case <-s.done:
		return ErrServiceStopped
	}
}

// State returns the last handshake state published by the event loop.
func (s *Service) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Stats returns a snapshot of the loop counters.
func (s *Service) Stats() Stats {
	return Stats{
		Inbound:      s.stats.inbound.Load(),
		Frames:       s.stats.frames.Load(),
		DecodeErrors: s.stats.decodeErrors.Load(),
		NotifyErrors: s.stats.notifyErrors.Load(),
		Forwarded:    s.stats.forwarded.Load(),
	}
}

// Done is closed when Run returns.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Run is the event loop. It owns the Session until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	var notifier Notifier
	defer s.scheduler.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line := <-s.inbound:
			s.handleInbound(line)
			s.stats.inbound.Add(1)

		case ev := <-s.control:
			if ev.start {
				if notifier != nil {
					continue
				}
				notifier = ev.notifier
				s.scheduler.Start()
				s.logger.Info("Starting notification")
				s.deliver(notifier, []byte{'\r'})
				continue
			}
			if notifier == nil {
				continue
			}
			s.logger.Info("Ending notification")
			notifier = nil
			s.scheduler.Stop()
			s.session.Reset()

		case now := <-s.scheduler.C():
			res := s.session.Tick(now, s.input)
			switch res.Kind {
			case FrameReady:
				s.stats.frames.Add(1)
				if notifier != nil {
					s.deliver(notifier, []byte(res.Frame))
				}
			case DecodeFailed:
				s.stats.decodeErrors.Add(1)
				s.logger.WithError(res.Err).Warn("Dropping malformed telemetry line")
			}
		}
		s.state.Store(int32(s.session.State()))
	}
}

func (s *Service) handleInbound(line string) {
	switch s.session.HandleInbound(line) {
	case Forwarded:
		if s.uplink == nil {
			return
		}
		s.stats.forwarded.Add(1)
		if s.uplink.Send(line) {
			s.logger.Debug("Uplink full, dropped oldest forwarded line")
		}
	case Ignored:
		s.logger.WithField("line", quoteLine(line)).Debug("Ignoring inbound line")
	}
}

func (s *Service) deliver(n Notifier, payload []byte) {
	if err := n(payload); err != nil {
		s.stats.notifyErrors.Add(1)
		s.logger.WithError(err).Warn("Failed to notify app")
	}
}

// Serve waits for g to open, then runs the event loop and t side by side.
// It returns when either ends; a registration error from t is returned as is.
func (s *Service) Serve(ctx context.Context, g *gate.Gate, t Transport) error {
	if g != nil && !g.IsOpen() {
		s.logger.Info("Waiting for real SmartRow to connect")
	}
	if err := g.Wait(ctx); err != nil {
		return nil
	}
	s.logger.Info("Real SmartRow connected, presenting emulated device")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- s.Run(ctx) }()

	err := t.Serve(ctx, s)
	cancel()
	if lerr := <-loopErr; err == nil {
		err = lerr
	}
	return err
}
