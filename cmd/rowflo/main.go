package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = newRootCmd()

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rowflo",
		Short: "Rowing telemetry relay",
		Long: `Relays live telemetry from a rowing monitor to nearby consumers.

Sources:
- S4 monitor over USB serial (-i s4)
- SmartRow over Bluetooth LE (-i sr)

Consumers:
- Bluetooth LE broadcast over the Nordic UART Service (-b)
- ANT+ stick line forwarder (-a)
- WebSocket JSON feed (--ws-addr)
- Lua hook (--script)

Use 'rowflo ports' to find the S4 and ANT+ stick and 'rowflo scan' to find
the SmartRow.

With -i sr and without -b, an emulated SmartRow is presented to the companion
app and the real SmartRow is driven through it (passthrough).`,
		Version:       formatVersion(version),
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runRelay,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("rowflo {{.Version}} (commit %s, built %s)\n", commit, date))

	addRelayFlags(cmd)
	cmd.AddCommand(newPortsCmd(), newScanCmd())
	return cmd
}
