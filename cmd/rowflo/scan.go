package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for SmartRow monitors",
		Long: `Listens for Bluetooth LE advertisements and lists SmartRow monitors with
their addresses. Pass an address to --sr-address to skip the name scan on
every run.

Example:
  rowflo scan -d 5s
  rowflo scan --all --format json`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}
	f := cmd.Flags()
	f.DurationP("duration", "d", 10*time.Second, "Scan duration (0 until Ctrl+C)")
	f.StringP("format", "f", "table", "Output format (table, json)")
	f.String("name", "SmartRow", "Local name that marks a SmartRow")
	f.Bool("all", false, "List every advertiser, not only SmartRows")
	f.StringSlice("allow", nil, "Only show devices with these addresses")
	f.StringSlice("block", nil, "Hide devices with these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	format, _ := f.GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	opts := scanner.DefaultOptions()
	opts.Duration, _ = f.GetDuration("duration")
	opts.Name, _ = f.GetString("name")
	all, _ := f.GetBool("all")
	opts.SmartRowOnly = !all
	opts.AllowList, _ = f.GetStringSlice("allow")
	opts.BlockList, _ = f.GetStringSlice("block")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := devicefactory.Release(); err != nil {
			logger.WithError(err).Warn("Failed to release BLE host")
		}
	}()

	callback := func(string) {}
	out := cmd.OutOrStdout()
	if isTerminal(out) {
		progress := NewCountdownProgressPrinter(out, "Scanning for SmartRow", "Scanning", opts.Duration, "Processing results")
		progress.Start()
		defer progress.Stop()
		callback = progress.Callback()
	}

	found, err := scanner.New(opts, logger).Scan(ctx, callback)
	if err != nil {
		return err
	}
	if format == "json" {
		return printSightingsJSON(out, found)
	}
	printSightings(out, found)
	return nil
}

func printSightings(w io.Writer, found []scanner.Sighting) {
	if len(found) == 0 {
		fmt.Fprintln(w, "No devices found")
		return
	}
	mark := color.New(color.FgGreen, color.Bold)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tSEEN\t")
	for _, s := range found {
		name := s.Name
		if name == "" {
			name = "-"
		}
		if s.SmartRow {
			name = mark.Sprint(name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t\n", s.Address, name, s.RSSI, s.Seen)
	}
	_ = tw.Flush()
}

type sightingJSON struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	RSSI        int    `json:"rssi"`
	Connectable bool   `json:"connectable"`
	SmartRow    bool   `json:"smartrow"`
	Seen        int    `json:"seen"`
}

func printSightingsJSON(w io.Writer, found []scanner.Sighting) error {
	out := make([]sightingJSON, 0, len(found))
	for _, s := range found {
		out = append(out, sightingJSON{
			Address:     s.Address,
			Name:        s.Name,
			RSSI:        s.RSSI,
			Connectable: s.Connectable,
			SmartRow:    s.SmartRow,
			Seen:        s.Seen,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
