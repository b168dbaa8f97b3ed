package emulator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/gate"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type serviceHarness struct {
	t      *testing.T
	svc    *Service
	input  *queue.RelayQueue[string]
	uplink *queue.RingChannel[string]
	ticks  *scheduler.Manual
	frames chan string
	cancel context.CancelFunc
}

func newServiceHarness(t *testing.T) *serviceHarness {
	h := &serviceHarness{
		t:      t,
		input:  queue.NewRelayQueue[string]("passthru"),
		uplink: queue.NewRingChannel[string](4),
		ticks:  scheduler.NewManual(),
		frames: make(chan string, 32),
	}
	h.svc = NewService(ServiceConfig{
		Input:     h.input,
		Uplink:    h.uplink,
		Ticker:    h.ticks.Ticker,
		Logger:    quietLogger(),
		Challenge: func() int { return testChallenge },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = h.svc.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *serviceHarness) notifier(b []byte) error {
	h.frames <- string(b)
	return nil
}

func (h *serviceHarness) write(lines ...string) {
	before := h.svc.Stats().Inbound
	for _, l := range lines {
		require.NoError(h.t, h.svc.Write([]byte(l)))
	}
	want := before + uint64(len(lines))
	require.Eventually(h.t, func() bool { return h.svc.Stats().Inbound == want }, waitFor, time.Millisecond)
}

func (h *serviceHarness) tick() {
	require.True(h.t, h.ticks.Fire(time.Now(), waitFor), "event loop did not take the tick")
}

func (h *serviceHarness) expectFrame(expected string) {
	select {
	case got := <-h.frames:
		assert.Equal(h.t, expected, got)
	case <-time.After(waitFor):
		h.t.Fatalf("timed out waiting for frame %q", expected)
	}
}

func (h *serviceHarness) expectState(state ConnectionState) {
	require.Eventually(h.t, func() bool { return h.svc.State() == state }, waitFor, time.Millisecond,
		"want state %s, have %s", state, h.svc.State())
}

func TestServiceEndToEnd(t *testing.T) {
	h := newServiceHarness(t)

	require.NoError(t, h.svc.StartNotify(h.notifier))
	h.expectFrame(frame.Terminator)

	h.write("$", "$")
	h.expectState(AwaitingHandshakeResponse)
	h.tick()
	h.expectFrame(MakeChallenge(testChallenge))

	for i := 1; i <= HandshakeResponses; i++ {
		h.write(fmt.Sprintf("r%d", i))
	}
	h.expectState(HandshakeReceived)

	// r2 is dropped when the sixth frame overflows the command queue
	for _, want := range []string{"r3", "r4", "r5", frame.Terminator, frame.Terminator} {
		h.tick()
		h.expectFrame(want)
	}
	h.expectState(Connected)

	h.input.Push("d@@E@@000  30x")
	h.tick()
	h.expectFrame(frame.Terminate("d@@E@@000  30x"))

	h.write("V@")
	h.input.Push("d@@E@@000  30x")
	h.tick()
	h.expectFrame(frame.ResetAck + frame.Terminate("d@@@@@000   0x"))

	h.write("USB")
	fwd, ok := h.uplink.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "USB", fwd)

	// malformed data is counted and skipped
	h.input.Push("d12")
	h.tick()
	require.Eventually(t, func() bool { return h.svc.Stats().DecodeErrors == 1 }, waitFor, time.Millisecond)

	require.NoError(t, h.svc.StopNotify())
	h.expectState(Start)

	st := h.svc.Stats()
	assert.Equal(t, uint64(1), st.Forwarded)
	assert.Zero(t, st.NotifyErrors)
	assert.Empty(t, h.frames)
}

func TestServiceIgnoresDuplicateStartNotify(t *testing.T) {
	h := newServiceHarness(t)

	require.NoError(t, h.svc.StartNotify(h.notifier))
	require.NoError(t, h.svc.StartNotify(h.notifier))
	h.expectFrame(frame.Terminator)

	select {
	case f := <-h.frames:
		t.Fatalf("unexpected second start frame %q", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceCountsNotifyErrors(t *testing.T) {
	h := newServiceHarness(t)

	require.NoError(t, h.svc.StartNotify(func([]byte) error { return errors.New("link lost") }))
	require.Eventually(t, func() bool { return h.svc.Stats().NotifyErrors == 1 }, waitFor, time.Millisecond)
}

func TestServiceStoppedRejectsWrites(t *testing.T) {
	h := newServiceHarness(t)
	h.cancel()

	select {
	case <-h.svc.Done():
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
	}
	// the inbound buffer may still accept a few writes; eventually it reports stopped
	var err error
	for i := 0; i < 32 && err == nil; i++ {
		err = h.svc.Write([]byte("$"))
	}
	assert.ErrorIs(t, err, ErrServiceStopped)
}

type fakeTransport struct {
	served chan struct{}
	err    error
}

func (f *fakeTransport) Serve(ctx context.Context, svc *Service) error {
	close(f.served)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func TestServeWaitsForGate(t *testing.T) {
	svc := NewService(ServiceConfig{Logger: quietLogger(), Ticker: scheduler.NewManual().Ticker})
	g := gate.New()
	tr := &fakeTransport{served: make(chan struct{}), err: errors.New("advertise failed")}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(context.Background(), g, tr) }()

	select {
	case <-tr.served:
		t.Fatal("transport served before the gate opened")
	case <-time.After(50 * time.Millisecond):
	}

	g.Open()
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "advertise failed")
	case <-time.After(waitFor):
		t.Fatal("Serve did not return the registration error")
	}
}

func TestServeCancelledWhileGated(t *testing.T) {
	svc := NewService(ServiceConfig{Logger: quietLogger()})
	tr := &fakeTransport{served: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, svc.Serve(ctx, gate.New(), tr))

	select {
	case <-tr.served:
		t.Fatal("transport must not be served")
	default:
	}
}
