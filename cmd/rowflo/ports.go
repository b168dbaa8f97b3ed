package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/rowflo/internal/sink/antsink"
	"github.com/srg/rowflo/internal/source/s4"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Long: `Lists the serial ports the system reports. Ports that carry the S4's USB
identifiers are marked as S4 and ANT+ sticks as ANT.

Example:
  rowflo ports
  rowflo -i s4 --s4-port /dev/ttyACM0`,
		Args: cobra.NoArgs,
		RunE: runPorts,
	}
}

func runPorts(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ports, err := s4.ListPorts()
	if err != nil {
		return err
	}
	logger.WithField("count", len(ports)).Debug("Enumerated serial ports")
	printPorts(cmd.OutOrStdout(), ports)
	return nil
}

func printPorts(w io.Writer, ports []s4.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return
	}
	s4Tag := color.New(color.FgGreen, color.Bold)
	antTag := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	for _, p := range ports {
		tag := "   "
		switch {
		case p.IsS4():
			tag = s4Tag.Sprint("S4 ")
		case p.USB && strings.EqualFold(p.VID, antsink.VendorID):
			tag = antTag.Sprint("ANT")
		}
		line := fmt.Sprintf("%s %s", tag, p.Name)
		if p.USB {
			line += dim.Sprintf("  %s:%s", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
			if p.Product != "" {
				line += dim.Sprintf("  %s", p.Product)
			}
			if p.Serial != "" {
				line += dim.Sprintf("  sn %s", p.Serial)
			}
		}
		fmt.Fprintln(w, line)
	}
}
