package main

import (
	"errors"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/srg/rowflo/internal/devicefactory"
	"github.com/srg/rowflo/internal/sink/antsink"
	"github.com/srg/rowflo/internal/source/s4"
	"github.com/srg/rowflo/internal/source/smartrow"
	"github.com/srg/rowflo/internal/supervisor"
	"github.com/srg/rowflo/pkg/config"
)

// FormatUserError turns pipeline errors into a one-screen message with a hint
// where one is known.
func FormatUserError(err error) string {
	var merr *multierror.Error
	if errors.As(err, &merr) && !errors.Is(err, supervisor.ErrTaskDied) {
		lines := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			lines = append(lines, "  - "+e.Error())
		}
		return "configuration problems:\n" + strings.Join(lines, "\n")
	}

	msg := err.Error()
	if hint := hintFor(err); hint != "" {
		msg += "\n  hint: " + hint
	}
	return msg
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, s4.ErrNoDevice):
		return "check the S4 USB cable or pass --s4-port (see 'rowflo ports')"
	case errors.Is(err, antsink.ErrNoStick):
		return "plug in the ANT+ stick or pass --ant-port (see 'rowflo ports')"
	case errors.Is(err, smartrow.ErrHandshakeTimeout):
		return "wake the SmartRow by pulling the handle, then retry"
	case errors.Is(err, devicefactory.ErrUnsupported):
		return "Bluetooth LE is unavailable here; use --pty for the emulated SmartRow"
	case errors.Is(err, config.ErrInvalidConfig):
		return "see 'rowflo --help'"
	}
	return ""
}
