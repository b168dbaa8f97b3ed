package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Source interfaces
const (
	InterfaceS4       = "s4"
	InterfaceSmartRow = "sr"
)

// Emulator transports
const (
	TransportBLE = "ble"
	TransportPTY = "pty"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	Interface string `yaml:"interface" default:"s4"`
	BLE       bool   `yaml:"ble"`
	ANT       bool   `yaml:"ant"`

	S4         S4Config         `yaml:"s4"`
	SmartRow   SmartRowConfig   `yaml:"smartrow"`
	Emulator   EmulatorConfig   `yaml:"emulator"`
	ANTStick   SerialConfig     `yaml:"ant_stick"`
	BLESink    BLESinkConfig    `yaml:"ble_sink"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Script     ScriptConfig     `yaml:"script"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// SerialConfig describes a serial line. An empty Port means autodetect.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud" default:"115200"`
	ReadTimeout time.Duration `yaml:"read_timeout" default:"1s"`
}

// S4Config configures the S4 monitor reader.
type S4Config struct {
	SerialConfig `yaml:",inline"`
	// ReconnectDelay is the pause between attempts to reopen a lost port.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"2s"`
	// PollCommand is written to request the next telemetry record.
	PollCommand string `yaml:"poll_command" default:"USB"`
}

// SmartRowConfig configures the BLE central connection to the real SmartRow.
type SmartRowConfig struct {
	Address        string        `yaml:"address"`
	Name           string        `yaml:"name" default:"SmartRow"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

// EmulatorConfig configures the emulated SmartRow presented to the app.
type EmulatorConfig struct {
	Transport  string        `yaml:"transport" default:"ble"`
	Name       string        `yaml:"name" default:"SmartRow"`
	TickPeriod time.Duration `yaml:"tick_period" default:"50ms"`
	PTYSymlink string        `yaml:"pty_symlink"`
}

// BLESinkConfig configures the short-range broadcast sink.
type BLESinkConfig struct {
	Name string `yaml:"name" default:"rowflo"`
}

// WebSocketConfig configures the live feed. An empty Addr disables it.
type WebSocketConfig struct {
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path" default:"/telemetry"`
	History int    `yaml:"history" default:"64"`
}

// ScriptConfig configures the Lua hook. An empty Path disables it.
type ScriptConfig struct {
	Path string `yaml:"path"`
}

// SupervisorConfig configures task supervision.
type SupervisorConfig struct {
	JoinTimeout   time.Duration `yaml:"join_timeout" default:"10s"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" default:"2s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Passthrough reports whether the emulated SmartRow runs next to the real one.
// It is on when reading from a SmartRow and the BLE sink is off.
func (c *Config) Passthrough() bool {
	return c.Interface == InterfaceSmartRow && !c.BLE
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks option values and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := c.Level(); err != nil {
		add("log_level %q", c.LogLevel)
	}
	switch c.Interface {
	case InterfaceS4, InterfaceSmartRow:
	default:
		add("interface %q (must be %s or %s)", c.Interface, InterfaceS4, InterfaceSmartRow)
	}
	switch c.Emulator.Transport {
	case TransportBLE, TransportPTY:
	default:
		add("emulator.transport %q (must be %s or %s)", c.Emulator.Transport, TransportBLE, TransportPTY)
	}
	if c.Emulator.TickPeriod <= 0 {
		add("emulator.tick_period must be positive")
	}
	if c.S4.Baud <= 0 || c.ANTStick.Baud <= 0 {
		add("baud rates must be positive")
	}
	if c.Supervisor.JoinTimeout <= 0 {
		add("supervisor.join_timeout must be positive")
	}
	if c.WebSocket.History <= 0 {
		add("websocket.history must be positive")
	}
	return result.ErrorOrNil()
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
