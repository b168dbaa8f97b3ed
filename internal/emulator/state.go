package emulator

import "fmt"

// ConnectionState is the app-side handshake state of an emulated session.
type ConnectionState int32

const (
	Start ConnectionState = iota
	Started
	AwaitingHandshakeResponse
	HandshakeReceived
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Start:
		return "start"
	case Started:
		return "started"
	case AwaitingHandshakeResponse:
		return "awaiting_handshake_response"
	case HandshakeReceived:
		return "handshake_received"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Disposition says what the session did with an inbound line.
type Disposition int

const (
	// Ignored lines did not match any transition.
	Ignored Disposition = iota
	// Consumed lines advanced the handshake.
	Consumed
	// ResetRequested lines zeroed the session while connected.
	ResetRequested
	// Forwarded lines arrived while connected and belong to the real device.
	Forwarded
)

func (d Disposition) String() string {
	switch d {
	case Ignored:
		return "ignored"
	case Consumed:
		return "consumed"
	case ResetRequested:
		return "reset_requested"
	case Forwarded:
		return "forwarded"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// ResultKind classifies the outcome of one relay tick.
type ResultKind int

const (
	NoData ResultKind = iota
	FrameReady
	DecodeFailed
)

func (k ResultKind) String() string {
	switch k {
	case NoData:
		return "no_data"
	case FrameReady:
		return "frame"
	case DecodeFailed:
		return "decode_error"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is what a tick produced. Frame is set for FrameReady, Err for DecodeFailed.
type Result struct {
	Kind  ResultKind
	Frame string
	Err   error
}

func noData() Result { return Result{Kind: NoData} }

func frameResult(f string) Result { return Result{Kind: FrameReady, Frame: f} }

func decodeFailed(err error) Result { return Result{Kind: DecodeFailed, Err: err} }
