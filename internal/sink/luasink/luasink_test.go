package luasink

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/testutils"
	"github.com/srg/rowflo/pkg/config"
)

const hook = `
seen = 0
function on_start()
  print("listening on " .. interface)
end
function on_frame(line)
  seen = seen + 1
  if line == "V@" then
    error("unexpected reset")
  end
  if seen == 2 then
    return "V@\r\n"
  end
end
`

func run(t *testing.T, s *Sink, q *queue.RelayQueue[string], lines ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	for _, line := range lines {
		want := s.Stats().Lines + 1
		q.Push(line)
		require.Eventually(t, func() bool { return s.Stats().Lines >= want }, 2*time.Second, 5*time.Millisecond)
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestHookSeesLinesAndSendsCommands(t *testing.T) {
	logger, logs := test.NewNullLogger()
	q := queue.NewRelayQueue[string]("lua")
	uplink := queue.NewRingChannel[string](4)
	s := New(config.ScriptConfig{Path: testutils.WriteScript(t, hook)}, q, uplink,
		map[string]any{"interface": "s4"}, logger)

	run(t, s, q, "a00012300010500015", "d0001230002300", "V@")

	assert.Equal(t, Stats{Lines: 3, Failures: 1, Commands: 1}, s.Stats())
	cmd, ok := uplink.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "V@", cmd)

	var infos []string
	for _, e := range logs.AllEntries() {
		if e.Level == logrus.InfoLevel {
			infos = append(infos, e.Message)
		}
	}
	assert.Contains(t, infos, "listening on s4")
}

func TestMissingHookIsFatal(t *testing.T) {
	s := New(config.ScriptConfig{Path: testutils.WriteScript(t, `x = 1`)},
		queue.NewRelayQueue[string]("lua"), nil, nil, testutils.NewLogger())
	assert.ErrorIs(t, s.Run(context.Background()), ErrNoHook)
}

func TestSyntaxErrorIsFatal(t *testing.T) {
	s := New(config.ScriptConfig{Path: testutils.WriteScript(t, "function on_frame(\n")},
		queue.NewRelayQueue[string]("lua"), nil, nil, testutils.NewLogger())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax")
}

func TestMissingScriptFile(t *testing.T) {
	s := New(config.ScriptConfig{Path: t.TempDir() + "/absent.lua"},
		queue.NewRelayQueue[string]("lua"), nil, nil, testutils.NewLogger())
	assert.Error(t, s.Run(context.Background()))
}
