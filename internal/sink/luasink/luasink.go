// Package luasink feeds telemetry lines to a user Lua script.
//
// The script defines on_frame(line). It may also define on_start() and
// on_stop(). A string returned from on_frame is sent upstream as a command
// line, e.g. "V@" to reset the session.
package luasink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/lua"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/sink"
	"github.com/srg/rowflo/pkg/config"
)

const (
	hookFrame = "on_frame"
	hookStart = "on_start"
	hookStop  = "on_stop"
)

// ErrNoHook is returned when the script does not define on_frame.
var ErrNoHook = errors.New("script does not define on_frame")

// Stats are sink counters.
type Stats struct {
	Lines    uint64
	Failures uint64
	Commands uint64
}

// Sink runs the script hook.
type Sink struct {
	cfg     config.ScriptConfig
	q       *queue.RelayQueue[string]
	uplink  *queue.RingChannel[string]
	globals map[string]any
	logger  *logrus.Logger

	lines, failures, commands atomic.Uint64
}

var _ sink.Sink = (*Sink)(nil)

// New creates a Lua sink draining q. globals are set before the script runs.
func New(cfg config.ScriptConfig, q *queue.RelayQueue[string], uplink *queue.RingChannel[string], globals map[string]any, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sink{cfg: cfg, q: q, uplink: uplink, globals: globals, logger: logger}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{Lines: s.lines.Load(), Failures: s.failures.Load(), Commands: s.commands.Load()}
}

// Run loads the script and calls on_frame for every popped line. Load
// errors end the sink; a failing hook call is logged and the line skipped.
func (s *Sink) Run(ctx context.Context) error {
	engine := lua.NewEngine(s.logger)
	defer engine.Close()
	log := s.logger.WithField("script", s.cfg.Path)

	for name, v := range s.globals {
		if err := engine.SetGlobal(name, v); err != nil {
			return err
		}
	}
	err := engine.LoadFile(s.cfg.Path)
	s.flush(engine, log)
	if err != nil {
		return err
	}
	if !engine.HasFunction(hookFrame) {
		return fmt.Errorf("%s: %w", s.cfg.Path, ErrNoHook)
	}

	s.optional(engine, hookStart, log)
	defer s.optional(engine, hookStop, log)
	log.Info("Lua hook loaded")

	return sink.Drain(ctx, s.q, func(line string) error {
		s.lines.Add(1)
		cmd, err := engine.Call(hookFrame, line)
		s.flush(engine, log)
		if err != nil {
			s.failures.Add(1)
			log.WithError(err).Warn("Lua hook failed")
			return nil
		}
		if cmd = strings.TrimRight(cmd, "\r\n"); cmd != "" && s.uplink != nil {
			s.commands.Add(1)
			s.uplink.Send(cmd)
		}
		return nil
	})
}

func (s *Sink) optional(engine *lua.Engine, name string, log *logrus.Entry) {
	if !engine.HasFunction(name) {
		return
	}
	if _, err := engine.Call(name); err != nil {
		log.WithError(err).Warnf("Lua %s failed", name)
	}
	s.flush(engine, log)
}

func (s *Sink) flush(engine *lua.Engine, log *logrus.Entry) {
	engine.Flush(func(rec lua.OutputRecord) {
		msg := strings.TrimRight(rec.Content, "\n")
		if rec.Source == "stderr" {
			log.Warn(msg)
			return
		}
		log.Info(msg)
	})
}
