// Package lua hosts a Lua interpreter for user telemetry hooks.
package lua

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/queue"
)

const outputCapacity = 100

// ErrClosed is returned by calls on a closed engine.
var ErrClosed = errors.New("lua engine closed")

// OutputRecord is one line printed by a script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// LuaError describes a script failure.
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("Lua %s error (%s): %s", e.Type, strings.Join(parts, ", "), e.Message)
}

func (e *LuaError) Unwrap() error { return e.Underlying }

// Is matches another *LuaError of the same Type.
func (e *LuaError) Is(target error) bool {
	var other *LuaError
	if errors.As(target, &other) {
		return e.Type == other.Type
	}
	return false
}

var errLocation = regexp.MustCompile(`^(?:\[string ".*"\]|[^:]*):(\d+):\s*(.*)$`)

func newLuaError(errType, source, raw string, underlying error) *LuaError {
	le := &LuaError{Type: errType, Message: raw, Source: source, Underlying: underlying}
	first, _, _ := strings.Cut(raw, "\n")
	if m := errLocation.FindStringSubmatch(first); m != nil {
		le.Line, _ = strconv.Atoi(m[1])
		le.Message = m[2]
	}
	return le
}

// Engine owns one Lua state. Every call is serialized.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	output *queue.RingChannel[OutputRecord]
}

// NewEngine creates an engine whose print output is captured rather than
// written to stdout.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		state:  lua.NewState(),
		logger: logger,
		output: queue.NewRingChannel[OutputRecord](outputCapacity),
	}
	e.state.OpenLibs()
	e.state.PushGoFunction(e.print)
	e.state.SetGlobal("print")
	return e
}

func (e *Engine) print(L *lua.State) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		switch {
		case L.IsNil(i):
			parts = append(parts, "nil")
		case L.IsBoolean(i):
			parts = append(parts, strconv.FormatBool(L.ToBoolean(i)))
		case L.IsString(i):
			parts = append(parts, L.ToString(i))
		default:
			L.GetGlobal("tostring")
			L.PushValue(i)
			L.Call(1, 1)
			parts = append(parts, L.ToString(-1))
			L.Pop(1)
		}
	}
	e.output.Send(OutputRecord{
		Content:   strings.Join(parts, "\t") + "\n",
		Timestamp: time.Now(),
		Source:    "stdout",
	})
	return 0
}

// Flush hands every captured output record to fn and returns the count.
func (e *Engine) Flush(fn func(OutputRecord)) int {
	n := 0
	for {
		rec, ok := e.output.TryReceive()
		if !ok {
			return n
		}
		fn(rec)
		n++
	}
}

// LoadFile reads and runs a script file.
func (e *Engine) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(string(content), path)
}

// LoadScript compiles script and runs its top level, which defines the hooks.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrClosed
	}
	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	if status := L.LoadString(script); status != 0 {
		msg := L.ToString(-1)
		e.stderr("Lua syntax error: " + msg)
		return newLuaError("syntax", name, msg, nil)
	}
	if err := L.Call(0, 0); err != nil {
		e.stderr("Lua runtime error: " + err.Error())
		return newLuaError("runtime", name, err.Error(), err)
	}
	return nil
}

// HasFunction reports whether a global function named name exists.
func (e *Engine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	return e.state.IsFunction(-1)
}

// Call invokes the global function name with string arguments. A string
// return value is passed back; any other result yields "".
func (e *Engine) Call(name string, args ...string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", ErrClosed
	}
	L := e.state
	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(name)
	if !L.IsFunction(-1) {
		return "", &LuaError{Type: "api", Message: fmt.Sprintf("function %s is not defined", name)}
	}
	for _, a := range args {
		L.PushString(a)
	}
	if err := L.Call(len(args), 1); err != nil {
		e.stderr(err.Error())
		return "", newLuaError("runtime", name, err.Error(), err)
	}
	if L.Type(-1) != lua.LUA_TSTRING {
		return "", nil
	}
	return L.ToString(-1), nil
}

// SetGlobal sets a global variable.
func (e *Engine) SetGlobal(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrClosed
	}
	switch v := value.(type) {
	case string:
		e.state.PushString(v)
	case int:
		e.state.PushInteger(int64(v))
	case int64:
		e.state.PushInteger(v)
	case float64:
		e.state.PushNumber(v)
	case bool:
		e.state.PushBoolean(v)
	default:
		return fmt.Errorf("unsupported type %T for global %s", value, name)
	}
	e.state.SetGlobal(name)
	return nil
}

// GetGlobalString reads a string global.
func (e *Engine) GetGlobalString(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", ErrClosed
	}
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	if e.state.Type(-1) != lua.LUA_TSTRING {
		return "", fmt.Errorf("global %s is not a string", name)
	}
	return e.state.ToString(-1), nil
}

func (e *Engine) stderr(msg string) {
	e.output.Send(OutputRecord{Content: msg + "\n", Timestamp: time.Now(), Source: "stderr"})
}

// Close releases the Lua state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
