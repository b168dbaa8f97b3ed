// Package source defines what a telemetry source adapter hands to the rest
// of the pipeline.
package source

import (
	"context"

	"github.com/srg/rowflo/internal/gate"
	"github.com/srg/rowflo/internal/queue"
)

// Source reads raw telemetry lines from a rowing monitor until ctx is done
// or the device is lost.
type Source interface {
	Run(ctx context.Context) error
}

// Outputs is where a source delivers what it reads and where it picks up
// lines to send back to the device.
type Outputs struct {
	// Sinks receive every telemetry line, latest value wins.
	Sinks queue.Fanout[string]
	// Passthrough feeds the emulated SmartRow; nil when passthrough is off.
	Passthrough *queue.RelayQueue[string]
	// Gate is opened once the device has completed its own handshake.
	Gate *gate.Gate
	// Uplink carries lines to write to the device; may be nil.
	Uplink *queue.RingChannel[string]
}

// Publish delivers one line to every consumer.
func (o Outputs) Publish(line string) {
	o.Sinks.Push(line)
	if o.Passthrough != nil {
		o.Passthrough.Push(line)
	}
}

// UplinkC returns the uplink channel, or nil so that a select never fires on it.
func (o Outputs) UplinkC() <-chan string {
	if o.Uplink == nil {
		return nil
	}
	return o.Uplink.C()
}
