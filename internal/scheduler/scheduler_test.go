package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerStartStop(t *testing.T) {
	s := New(0, nil)
	assert.Equal(t, DefaultPeriod, s.Period())
	assert.Nil(t, s.C(), "stopped scheduler exposes a nil channel")
	assert.False(t, s.Stop())

	require.True(t, s.Start())
	assert.False(t, s.Start(), "second Start is a no-op")
	assert.True(t, s.Running())

	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("expected a tick within one second")
	}

	assert.True(t, s.Stop())
	assert.False(t, s.Running())
	assert.Nil(t, s.C())
}

func TestSchedulerManualTicks(t *testing.T) {
	m := NewManual()
	s := New(10*time.Millisecond, m.Ticker)

	// nobody listens while stopped
	assert.False(t, m.Fire(time.Now(), 10*time.Millisecond))

	s.Start()
	now := time.Unix(1700000000, 0)
	got := make(chan time.Time, 1)
	go func() { got <- <-s.C() }()

	require.True(t, m.Fire(now, time.Second))
	assert.Equal(t, now, <-got)
}
