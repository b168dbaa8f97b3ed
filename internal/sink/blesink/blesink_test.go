package blesink

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/pkg/config"
)

type fakeNotifier struct {
	ctx    context.Context
	cap    int
	err    error
	mu     sync.Mutex
	writes []string
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }
func (n *fakeNotifier) Close() error             { return nil }
func (n *fakeNotifier) Cap() int                 { return n.cap }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return 0, n.err
	}
	n.writes = append(n.writes, string(b))
	return len(b), nil
}

func (n *fakeNotifier) Writes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.writes...)
}

type fakeRequest struct{ data []byte }

func (r fakeRequest) Conn() ble.Conn { return nil }
func (r fakeRequest) Data() []byte   { return r.data }
func (r fakeRequest) Offset() int    { return 0 }

type fakeDevice struct {
	ble.Device
	mu         sync.Mutex
	services   []*ble.Service
	advertised string
}

func (d *fakeDevice) AddService(svc *ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, svc)
	return nil
}

func (d *fakeDevice) AdvertiseNameAndServices(ctx context.Context, name string, _ ...ble.UUID) error {
	d.mu.Lock()
	d.advertised = name
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error { return nil }

type BLESinkTestSuite struct {
	suite.Suite
	q      *queue.RelayQueue[string]
	uplink *queue.RingChannel[string]
	sink   *Sink
}

func TestBLESinkTestSuite(t *testing.T) {
	suite.Run(t, new(BLESinkTestSuite))
}

func (s *BLESinkTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s.q = queue.NewRelayQueue[string]("ble")
	s.uplink = queue.NewRingChannel[string](4)
	s.sink = New(config.BLESinkConfig{Name: "rowflo"}, s.q, s.uplink, logger)
}

func (s *BLESinkTestSuite) characteristic(svc *ble.Service, u ble.UUID) *ble.Characteristic {
	for _, c := range svc.Characteristics {
		if c.UUID.Equal(u) {
			return c
		}
	}
	s.FailNow("characteristic missing", u.String())
	return nil
}

// subscribe attaches n to the TX characteristic and waits until it is registered.
func (s *BLESinkTestSuite) subscribe(svc *ble.Service, n *fakeNotifier) {
	before := s.sink.Stats().Subscribers
	go s.characteristic(svc, TxUUID).NotifyHandler.ServeNotify(fakeRequest{}, n)
	s.Require().Eventually(func() bool { return s.sink.Stats().Subscribers == before+1 }, time.Second, 5*time.Millisecond)
}

func (s *BLESinkTestSuite) TestBroadcastReachesEverySubscriber() {
	svc := s.sink.Service()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	phone := &fakeNotifier{ctx: ctx, cap: 20}
	watch := &fakeNotifier{ctx: ctx, cap: 8}
	s.subscribe(svc, phone)
	s.subscribe(svc, watch)

	s.Require().NoError(s.sink.Broadcast("a00012300010500015"))

	s.Equal([]string{"a00012300010500015\r"}, phone.Writes())
	s.Equal([]string{"a0001230", "00105000", "15\r"}, watch.Writes())
	s.Equal(uint64(2), s.sink.Stats().Notified)
}

func (s *BLESinkTestSuite) TestFailingSubscriberIsDropped() {
	svc := s.sink.Service()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.subscribe(svc, &fakeNotifier{ctx: ctx, cap: 20, err: errors.New("link lost")})
	s.Require().NoError(s.sink.Broadcast("d0001230002300"))
	s.Equal(0, s.sink.Stats().Subscribers)
}

func (s *BLESinkTestSuite) TestUnsubscribeRemovesCentral() {
	svc := s.sink.Service()
	ctx, cancel := context.WithCancel(context.Background())

	s.subscribe(svc, &fakeNotifier{ctx: ctx, cap: 20})
	cancel()
	s.Eventually(func() bool { return s.sink.Stats().Subscribers == 0 }, time.Second, 5*time.Millisecond)
}

func (s *BLESinkTestSuite) TestRxWritesGoUplink() {
	svc := s.sink.Service()
	rx := s.characteristic(svc, RxUUID)

	rx.WriteHandler.ServeWrite(fakeRequest{data: []byte("V@\r\n")}, nil)
	rx.WriteHandler.ServeWrite(fakeRequest{data: []byte("\r\n")}, nil)

	line, ok := s.uplink.TryReceive()
	s.Require().True(ok)
	s.Equal("V@", line)
	s.Equal(0, s.uplink.Len())
	s.Equal(uint64(1), s.sink.Stats().Commands)
}

func (s *BLESinkTestSuite) TestRunAdvertisesAndDrains() {
	dev := &fakeDevice{}
	orig := devicefactory.DeviceFactory
	s.Require().NoError(devicefactory.Release())
	devicefactory.DeviceFactory = func() (ble.Device, error) { return dev, nil }
	defer func() {
		_ = devicefactory.Release()
		devicefactory.DeviceFactory = orig
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.sink.Run(ctx) }()

	s.Require().Eventually(func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.advertised == "rowflo" && len(dev.services) == 1
	}, time.Second, 5*time.Millisecond)

	s.q.Push("a00012300010500015")
	s.Eventually(func() bool { return s.sink.Stats().Lines == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("sink did not stop")
	}
}
