package peripheral

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/emulator"
	"github.com/srg/rowflo/internal/frame"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	writes   []string
	notifier emulator.Notifier
	started  int
	stopped  int
	writeErr error
}

func (e *fakeEndpoint) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, string(data))
	return e.writeErr
}

func (e *fakeEndpoint) StartNotify(n emulator.Notifier) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
	e.started++
	return nil
}

func (e *fakeEndpoint) StopNotify() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
	return nil
}

func (e *fakeEndpoint) counts() (started, stopped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped
}

type fakeRequest struct{ data []byte }

func (r fakeRequest) Conn() ble.Conn { return nil }
func (r fakeRequest) Data() []byte   { return r.data }
func (r fakeRequest) Offset() int    { return 0 }

type fakeResponse struct {
	buf    []byte
	status ble.ATTError
}

func (r *fakeResponse) Write(b []byte) (int, error) {
	r.buf = append(r.buf, b...)
	return len(b), nil
}

func (r *fakeResponse) Status() ble.ATTError     { return r.status }
func (r *fakeResponse) SetStatus(s ble.ATTError) { r.status = s }
func (r *fakeResponse) Len() int                 { return len(r.buf) }
func (r *fakeResponse) Cap() int                 { return 512 }

type fakeNotifier struct {
	ctx    context.Context
	cap    int
	mu     sync.Mutex
	chunks []string
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }
func (n *fakeNotifier) Close() error             { return nil }
func (n *fakeNotifier) Cap() int                 { return n.cap }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chunks = append(n.chunks, string(b))
	return len(b), nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func characteristic(t *testing.T, svc *ble.Service, uuid uint16) *ble.Characteristic {
	t.Helper()
	for _, c := range svc.Characteristics {
		if c.UUID.Equal(ble.UUID16(uuid)) {
			return c
		}
	}
	t.Fatalf("characteristic %04X missing", uuid)
	return nil
}

func TestServiceLayout(t *testing.T) {
	svc := NewService(&fakeEndpoint{}, quietLogger())

	assert.True(t, svc.UUID.Equal(ble.UUID16(frame.ServiceUUID16)))
	require.Len(t, svc.Characteristics, 2)

	rx := characteristic(t, svc, frame.WriteUUID16)
	assert.NotZero(t, rx.Property&ble.CharWrite)
	assert.NotZero(t, rx.Property&ble.CharRead)

	tx := characteristic(t, svc, frame.NotifyUUID16)
	assert.NotZero(t, tx.Property&ble.CharNotify)
	assert.NotZero(t, tx.Property&ble.CharRead)
	assert.NotZero(t, tx.Property&ble.CharWrite)
}

func TestWriteReachesEndpoint(t *testing.T) {
	ep := &fakeEndpoint{}
	svc := NewService(ep, quietLogger())
	rx := characteristic(t, svc, frame.WriteUUID16)

	rsp := &fakeResponse{}
	rx.WriteHandler.ServeWrite(fakeRequest{data: []byte("$")}, rsp)
	assert.Equal(t, []string{"$"}, ep.writes)
	assert.Equal(t, ble.ErrSuccess, rsp.status)

	read := &fakeResponse{}
	rx.ReadHandler.ServeRead(fakeRequest{}, read)
	assert.Equal(t, "$", string(read.buf))

	ep.writeErr = emulator.ErrServiceStopped
	rsp = &fakeResponse{}
	rx.WriteHandler.ServeWrite(fakeRequest{data: []byte("V@")}, rsp)
	assert.Equal(t, ble.ErrUnlikely, rsp.status)
}

func TestNotifyLifecycle(t *testing.T) {
	ep := &fakeEndpoint{}
	svc := NewService(ep, quietLogger())
	tx := characteristic(t, svc, frame.NotifyUUID16)

	ctx, cancel := context.WithCancel(context.Background())
	n := &fakeNotifier{ctx: ctx, cap: 8}
	done := make(chan struct{})
	go func() {
		tx.NotifyHandler.ServeNotify(fakeRequest{}, n)
		close(done)
	}()

	require.Eventually(t, func() bool { s, _ := ep.counts(); return s == 1 }, time.Second, 5*time.Millisecond)

	ep.mu.Lock()
	notify := ep.notifier
	ep.mu.Unlock()
	require.NoError(t, notify([]byte("a0001230001050001599\r")))
	assert.Equal(t, []string{"a0001230", "00105000", "1599\r"}, n.chunks, "frames are split to the notify capacity")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify handler did not return on unsubscribe")
	}
	_, stopped := ep.counts()
	assert.Equal(t, 1, stopped)
}

// fakeDevice overrides the ble.Device methods the transport calls.
type fakeDevice struct {
	ble.Device
	addErr       error
	advertiseErr error

	mu         sync.Mutex
	services   []*ble.Service
	advertised string
}

func (d *fakeDevice) AddService(svc *ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return d.addErr
	}
	d.services = append(d.services, svc)
	return nil
}

func (d *fakeDevice) AdvertiseNameAndServices(ctx context.Context, name string, _ ...ble.UUID) error {
	d.mu.Lock()
	d.advertised = name
	d.mu.Unlock()
	if d.advertiseErr != nil {
		return d.advertiseErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error { return nil }

func useDevice(t *testing.T, dev *fakeDevice) {
	t.Helper()
	orig := devicefactory.DeviceFactory
	require.NoError(t, devicefactory.Release())
	devicefactory.DeviceFactory = func() (ble.Device, error) { return dev, nil }
	t.Cleanup(func() {
		_ = devicefactory.Release()
		devicefactory.DeviceFactory = orig
	})
}

func TestServeAdvertisesUntilCancelled(t *testing.T) {
	dev := &fakeDevice{}
	useDevice(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New("SmartRow", quietLogger()).Serve(ctx, nil) }()

	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.advertised == "SmartRow" && len(dev.services) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestServeRegistrationFailureIsFatal(t *testing.T) {
	useDevice(t, &fakeDevice{addErr: errors.New("gatt: handle space exhausted")})

	err := New("SmartRow", quietLogger()).Serve(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestServeAdvertisingFailure(t *testing.T) {
	useDevice(t, &fakeDevice{advertiseErr: errors.New("hci: command disallowed")})

	err := New("SmartRow", quietLogger()).Serve(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistration)
	assert.Contains(t, err.Error(), "advertising")
}
