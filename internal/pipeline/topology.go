// Package pipeline turns a Config into the set of queues and supervised
// tasks that make up a relay run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/bridge"
	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/emulator"
	"github.com/srg/rowflo/internal/gate"
	"github.com/srg/rowflo/internal/peripheral"
	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/sink"
	"github.com/srg/rowflo/internal/sink/antsink"
	"github.com/srg/rowflo/internal/sink/blesink"
	"github.com/srg/rowflo/internal/sink/luasink"
	"github.com/srg/rowflo/internal/sink/wssink"
	"github.com/srg/rowflo/internal/source"
	"github.com/srg/rowflo/internal/source/s4"
	"github.com/srg/rowflo/internal/source/smartrow"
	"github.com/srg/rowflo/internal/supervisor"
	"github.com/srg/rowflo/pkg/config"
)

// Task names.
const (
	TaskS4          = "s4"
	TaskSmartRow    = "sr"
	TaskPassthrough = "srpt"
	TaskBLE         = "ble"
	TaskANT         = "ant"
	TaskWebSocket   = "ws"
	TaskLua         = "lua"
)

// UplinkCapacity bounds lines waiting to be written to the real device.
const UplinkCapacity = 5

// Task is one supervised goroutine of the topology.
type Task struct {
	Name   string
	Run    supervisor.TaskFunc
	Exempt bool
}

// SourceFactory builds the source adapter for the configured interface.
type SourceFactory func(cfg *config.Config, out source.Outputs, logger *logrus.Logger) source.Source

// SinkFactory builds an extra sink draining q.
type SinkFactory func(q *queue.RelayQueue[string]) sink.Sink

// Option customizes Build.
type Option func(*builder)

// WithSource replaces the hardware source.
func WithSource(f SourceFactory) Option {
	return func(b *builder) { b.source = f }
}

// WithTransport replaces the transport of the emulated SmartRow.
func WithTransport(t emulator.Transport) Option {
	return func(b *builder) { b.transport = t }
}

// WithSink adds a sink under name.
func WithSink(name string, f SinkFactory) Option {
	return func(b *builder) { b.extra = append(b.extra, namedSink{name, f}) }
}

// WithEmulatorOptions adjusts the emulator service before it is built.
func WithEmulatorOptions(fn func(*emulator.ServiceConfig)) Option {
	return func(b *builder) { b.tuneEmulator = fn }
}

// WithPTYReady is called with the terminal path once the PTY transport is up.
func WithPTYReady(fn func(ttyName string)) Option {
	return func(b *builder) { b.ptyReady = fn }
}

type namedSink struct {
	name string
	make SinkFactory
}

type builder struct {
	source       SourceFactory
	transport    emulator.Transport
	extra        []namedSink
	tuneEmulator func(*emulator.ServiceConfig)
	ptyReady     func(string)
}

// Topology is the wired pipeline.
type Topology struct {
	Tasks []Task

	// Uplink carries lines toward the real device.
	Uplink *queue.RingChannel[string]
	// Passthrough feeds the emulator; nil when passthrough is off.
	Passthrough *queue.RelayQueue[string]
	// Gate opens once the real SmartRow has connected; nil without passthrough.
	Gate *gate.Gate
	// Sinks are the per-consumer relay queues by task name.
	Sinks map[string]*queue.RelayQueue[string]
	// Emulator is the emulated SmartRow service; nil without passthrough.
	Emulator *emulator.Service

	usesBLE bool
}

// Build creates queues and tasks for cfg. The source comes first, then the
// passthrough emulator, then the sinks.
func Build(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &builder{source: hardwareSource}
	for _, opt := range opts {
		opt(b)
	}

	t := &Topology{
		Uplink: queue.NewRingChannel[string](UplinkCapacity),
		Sinks:  make(map[string]*queue.RelayQueue[string]),
	}
	relay := func(name string) *queue.RelayQueue[string] {
		q := queue.NewRelayQueue[string](name)
		t.Sinks[name] = q
		return q
	}

	var tasks []Task
	if cfg.BLE {
		s := blesink.New(cfg.BLESink, relay(TaskBLE), t.Uplink, logger)
		tasks = append(tasks, Task{Name: TaskBLE, Run: s.Run})
		t.usesBLE = true
	}
	if cfg.ANT {
		s := antsink.New(cfg.ANTStick, relay(TaskANT), logger)
		tasks = append(tasks, Task{Name: TaskANT, Run: s.Run})
	}
	if cfg.WebSocket.Addr != "" {
		s := wssink.New(cfg.WebSocket, relay(TaskWebSocket), logger)
		tasks = append(tasks, Task{Name: TaskWebSocket, Run: s.Run})
	}
	if cfg.Script.Path != "" {
		globals := map[string]any{"interface": cfg.Interface, "passthrough": cfg.Passthrough()}
		s := luasink.New(cfg.Script, relay(TaskLua), t.Uplink, globals, logger)
		tasks = append(tasks, Task{Name: TaskLua, Run: s.Run})
	}
	for _, ns := range b.extra {
		s := ns.make(relay(ns.name))
		tasks = append(tasks, Task{Name: ns.name, Run: s.Run})
	}

	if cfg.Passthrough() {
		t.Passthrough = queue.NewRelayQueue[string](TaskPassthrough)
		t.Gate = gate.New()

		svcCfg := emulator.ServiceConfig{
			Input:  t.Passthrough,
			Uplink: t.Uplink,
			Period: cfg.Emulator.TickPeriod,
			Logger: logger,
		}
		if b.tuneEmulator != nil {
			b.tuneEmulator(&svcCfg)
		}
		t.Emulator = emulator.NewService(svcCfg)

		transport := b.transport
		if transport == nil {
			transport = newTransport(cfg, logger, b.ptyReady)
			t.usesBLE = t.usesBLE || cfg.Emulator.Transport == config.TransportBLE
		}
		svc, g := t.Emulator, t.Gate
		tasks = append([]Task{{
			Name:   TaskPassthrough,
			Run:    func(ctx context.Context) error { return svc.Serve(ctx, g, transport) },
			Exempt: true,
		}}, tasks...)
	}

	fanout := make(queue.Fanout[string], 0, len(t.Sinks))
	for _, task := range tasks {
		if q, ok := t.Sinks[task.Name]; ok {
			fanout = append(fanout, q)
		}
	}
	out := source.Outputs{Sinks: fanout, Passthrough: t.Passthrough, Gate: t.Gate, Uplink: t.Uplink}

	name := TaskS4
	if cfg.Interface == config.InterfaceSmartRow {
		name = TaskSmartRow
		t.usesBLE = true
	}
	src := b.source(cfg, out, logger)
	t.Tasks = append([]Task{{Name: name, Run: src.Run}}, tasks...)
	return t, nil
}

// Names returns the task names in start order.
func (t *Topology) Names() []string {
	names := make([]string, len(t.Tasks))
	for i, task := range t.Tasks {
		names[i] = task.Name
	}
	return names
}

// Register adds every task to sup. The passthrough task is exempt.
func (t *Topology) Register(sup *supervisor.Supervisor) error {
	for _, task := range t.Tasks {
		var opts []supervisor.TaskOption
		if task.Exempt {
			opts = append(opts, supervisor.Exempt())
		}
		if err := sup.Add(task.Name, task.Run, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Run supervises the topology until shutdown and releases the radio.
func (t *Topology) Run(ctx context.Context, sup *supervisor.Supervisor) error {
	if err := t.Register(sup); err != nil {
		return err
	}
	err := sup.Run(ctx)
	if !t.usesBLE {
		return err
	}
	if rerr := devicefactory.Release(); rerr != nil {
		if err == nil {
			return fmt.Errorf("failed to release BLE device: %w", rerr)
		}
		return multierror.Append(err, fmt.Errorf("failed to release BLE device: %w", rerr))
	}
	return err
}

func hardwareSource(cfg *config.Config, out source.Outputs, logger *logrus.Logger) source.Source {
	if cfg.Interface == config.InterfaceSmartRow {
		return smartrow.NewReader(cfg.SmartRow, out, logger)
	}
	return s4.NewReader(cfg.S4, out, logger)
}

func newTransport(cfg *config.Config, logger *logrus.Logger, onReady func(string)) emulator.Transport {
	if cfg.Emulator.Transport == config.TransportPTY {
		return bridge.New(bridge.Options{
			Logger:         logger,
			TTYSymlinkPath: cfg.Emulator.PTYSymlink,
			OnReady:        onReady,
		})
	}
	return peripheral.New(cfg.Emulator.Name, logger)
}
