// Package supervisor starts the pipeline's adapter goroutines, watches them
// with a bounded join and shuts the pipeline down cooperatively on a
// termination signal or on the death of any monitored task.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/rowflo/internal/groutine"
)

const (
	// DefaultJoinTimeout bounds each liveness poll.
	DefaultJoinTimeout = 10 * time.Second

	// DefaultShutdownGrace bounds how long Run waits for tasks after stopping.
	DefaultShutdownGrace = 2 * time.Second
)

var (
	// ErrTaskDied reports that a monitored task returned while the pipeline was running.
	ErrTaskDied = errors.New("task died")

	// ErrDuplicateTask is returned when two tasks share a name.
	ErrDuplicateTask = errors.New("duplicate task name")
)

// TaskError carries the name and result of a task that ended unexpectedly.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %q died: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %q died", e.Task)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Is matches ErrTaskDied.
func (e *TaskError) Is(target error) bool { return target == ErrTaskDied }

// TaskFunc is the body of a supervised task. It must return when ctx is done.
type TaskFunc func(ctx context.Context) error

// TaskOption customizes a registered task.
type TaskOption func(*entry)

// Exempt marks a best-effort task: its death is logged but does not stop the pipeline.
func Exempt() TaskOption {
	return func(e *entry) { e.exempt = true }
}

type entry struct {
	name     string
	fn       TaskFunc
	exempt   bool
	task     *groutine.Task
	reported bool
}

// Config configures a Supervisor.
type Config struct {
	Logger        *logrus.Logger
	JoinTimeout   time.Duration // 0 = DefaultJoinTimeout
	ShutdownGrace time.Duration // 0 = DefaultShutdownGrace
	Signals       []os.Signal   // nil = SIGINT, SIGTERM; empty non-nil = none
}

// Supervisor owns the task registry and the run flag.
type Supervisor struct {
	logger        *logrus.Logger
	joinTimeout   time.Duration
	shutdownGrace time.Duration
	signals       []os.Signal

	flag  *RunFlag
	tasks *orderedmap.OrderedMap[string, *entry]
}

// New creates a Supervisor with no tasks.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		logger:        cfg.Logger,
		joinTimeout:   cfg.JoinTimeout,
		shutdownGrace: cfg.ShutdownGrace,
		signals:       cfg.Signals,
		flag:          NewRunFlag(),
		tasks:         orderedmap.New[string, *entry](),
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	if s.joinTimeout <= 0 {
		s.joinTimeout = DefaultJoinTimeout
	}
	if s.shutdownGrace <= 0 {
		s.shutdownGrace = DefaultShutdownGrace
	}
	if s.signals == nil {
		s.signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return s
}

// Add registers a task. Tasks start in registration order when Run is called.
func (s *Supervisor) Add(name string, fn TaskFunc, opts ...TaskOption) error {
	if _, ok := s.tasks.Get(name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	e := &entry{name: name, fn: fn}
	for _, opt := range opts {
		opt(e)
	}
	s.tasks.Set(name, e)
	return nil
}

// Names returns the registered task names in start order.
func (s *Supervisor) Names() []string {
	names := make([]string, 0, s.tasks.Len())
	for pair := s.tasks.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Flag exposes the run flag.
func (s *Supervisor) Flag() *RunFlag { return s.flag }

// Stop requests a cooperative shutdown.
func (s *Supervisor) Stop(reason string) {
	if s.flag.Stop(reason) {
		s.logger.WithField("reason", reason).Info("Shutting down")
	}
}

// Run starts every task and blocks until shutdown. It returns nil when the
// shutdown came from a signal, Stop or ctx, and an error wrapping
// ErrTaskDied when a monitored task ended on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(s.signals) > 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, s.signals...)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				s.Stop(fmt.Sprintf("signal %s", sig))
			case <-s.flag.Stopped():
			}
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop("context done")
		case <-s.flag.Stopped():
		}
	}()

	for pair := s.tasks.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		s.logger.WithFields(logrus.Fields{"task": e.name, "exempt": e.exempt}).Info("Starting task")
		e.task = groutine.Go(ctx, e.name, e.fn)
	}

	var died error
	for s.flag.Running() {
		polled := 0
		for pair := s.tasks.Oldest(); pair != nil && s.flag.Running(); pair = pair.Next() {
			e := pair.Value
			if e.reported {
				continue
			}
			polled++
			s.join(e.task)
			if e.task.Alive() {
				continue
			}

			e.reported = true
			fields := logrus.Fields{"task": e.name, "uptime": e.task.Uptime().Round(time.Millisecond)}
			if e.exempt {
				s.logger.WithFields(fields).WithError(e.task.Err()).Error("Best-effort task exited, pipeline continues")
				continue
			}
			s.logger.WithFields(fields).WithError(e.task.Err()).Error("Task died - exiting")
			died = &TaskError{Task: e.name, Err: e.task.Err()}
			s.Stop("task died")
		}
		if polled == 0 {
			<-s.flag.Stopped()
		}
	}

	cancel()
	if err := s.drain(); err != nil {
		s.logger.WithError(err).Warn("Tasks did not stop cleanly")
	}
	return died
}

// join waits for t up to the join timeout, returning early on shutdown.
func (s *Supervisor) join(t *groutine.Task) {
	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case <-t.Done():
	case <-timer.C:
	case <-s.flag.Stopped():
	}
}

// drain gives tasks a bounded grace period and aggregates their failures.
// Tasks still running afterwards are abandoned.
func (s *Supervisor) drain() error {
	deadline := time.Now().Add(s.shutdownGrace)
	var result *multierror.Error
	for pair := s.tasks.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		if e.task == nil {
			continue
		}
		remaining := time.Until(deadline)
		if e.task.Alive() && (remaining <= 0 || !e.task.Join(remaining)) {
			result = multierror.Append(result, fmt.Errorf("task %q still running after %s", e.name, s.shutdownGrace))
			continue
		}
		if err := e.task.Err(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, fmt.Errorf("task %q: %w", e.name, err))
		}
	}
	return result.ErrorOrNil()
}
