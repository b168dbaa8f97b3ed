package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/rowflo/internal/pipeline"
	"github.com/srg/rowflo/internal/supervisor"
	"github.com/srg/rowflo/pkg/config"
)

func addRelayFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	f := cmd.Flags()
	f.StringP("interface", "i", config.InterfaceS4, "Telemetry source: s4 or sr")
	f.BoolP("blue", "b", false, "Broadcast telemetry over Bluetooth LE")
	f.BoolP("antfe", "a", false, "Forward telemetry to the ANT+ stick")
	f.String("config", "", "YAML configuration file")
	f.String("s4-port", "", "S4 serial port (default: autodetect)")
	f.String("sr-address", "", "SmartRow Bluetooth address (default: scan by name)")
	f.String("ant-port", "", "ANT+ stick serial port (default: autodetect)")
	f.String("ws-addr", "", "Serve the WebSocket feed on this address, e.g. :8080")
	f.String("script", "", "Lua script defining on_frame(line)")
	f.Bool("pty", false, "Present the emulated SmartRow on a pseudo-terminal instead of Bluetooth LE")
	f.String("pty-symlink", "", "Symlink to the emulated SmartRow terminal (implies --pty)")
}

// loadConfig reads --config and applies every flag the user set on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	flag := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}
	str("interface", &cfg.Interface)
	str("log-level", &cfg.LogLevel)
	str("s4-port", &cfg.S4.Port)
	str("sr-address", &cfg.SmartRow.Address)
	str("ant-port", &cfg.ANTStick.Port)
	str("ws-addr", &cfg.WebSocket.Addr)
	str("script", &cfg.Script.Path)
	str("pty-symlink", &cfg.Emulator.PTYSymlink)
	flag("blue", &cfg.BLE)
	flag("antfe", &cfg.ANT)

	pty := cfg.Emulator.Transport == config.TransportPTY
	flag("pty", &pty)
	if pty || f.Changed("pty-symlink") {
		cfg.Emulator.Transport = config.TransportPTY
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	logger := cfg.NewLogger()

	out := cmd.OutOrStdout()
	topo, err := pipeline.Build(cfg, logger, pipeline.WithPTYReady(func(tty string) {
		fmt.Fprintf(out, "Emulated SmartRow terminal: %s\n", color.New(color.FgGreen, color.Bold).Sprint(tty))
	}))
	if err != nil {
		return err
	}
	printBanner(out, cfg, topo)

	sup := supervisor.New(supervisor.Config{
		Logger:        logger,
		JoinTimeout:   cfg.Supervisor.JoinTimeout,
		ShutdownGrace: cfg.Supervisor.ShutdownGrace,
	})
	if err := topo.Run(context.Background(), sup); err != nil {
		logger.WithError(err).Error("Relay stopped")
		return err
	}
	if _, reason := sup.Flag().StoppedAt(); reason != "" {
		logger.WithField("reason", reason).Info("Relay stopped")
	}
	return nil
}

// printBanner summarizes the wired topology before the tasks start.
func printBanner(w io.Writer, cfg *config.Config, topo *pipeline.Topology) {
	title := color.New(color.Bold)
	name := color.New(color.FgCyan)
	dim := color.New(color.Faint)

	fmt.Fprintln(w, title.Sprint("rowflo ")+dim.Sprint(formatVersion(version)))
	for _, task := range topo.Tasks {
		line := "  " + name.Sprintf("%-5s", task.Name) + " " + describeTask(cfg, task.Name)
		if task.Exempt {
			line += dim.Sprint(" (best effort)")
		}
		fmt.Fprintln(w, line)
	}
}

func describeTask(cfg *config.Config, name string) string {
	orAuto := func(v string) string {
		if v == "" {
			return "autodetect"
		}
		return v
	}
	switch name {
	case pipeline.TaskS4:
		return fmt.Sprintf("S4 monitor on %s @ %d baud", orAuto(cfg.S4.Port), cfg.S4.Baud)
	case pipeline.TaskSmartRow:
		if cfg.SmartRow.Address != "" {
			return "SmartRow at " + cfg.SmartRow.Address
		}
		return fmt.Sprintf("SmartRow named %q", cfg.SmartRow.Name)
	case pipeline.TaskPassthrough:
		if cfg.Emulator.Transport == config.TransportPTY {
			return "emulated SmartRow on a pseudo-terminal"
		}
		return fmt.Sprintf("emulated SmartRow advertised as %q", cfg.Emulator.Name)
	case pipeline.TaskBLE:
		return fmt.Sprintf("NUS broadcast as %q", cfg.BLESink.Name)
	case pipeline.TaskANT:
		return "ANT+ stick on " + orAuto(cfg.ANTStick.Port)
	case pipeline.TaskWebSocket:
		return fmt.Sprintf("WebSocket feed on %s%s", cfg.WebSocket.Addr, cfg.WebSocket.Path)
	case pipeline.TaskLua:
		return "Lua hook " + cfg.Script.Path
	}
	return ""
}
