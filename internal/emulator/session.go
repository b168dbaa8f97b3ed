// Package emulator reproduces the SmartRow line protocol toward a companion
// app: the keylock handshake, the reset/recalibration path and the
// tick-driven rewriting of relayed telemetry.
//
// A Session holds all per-app state and is owned by exactly one goroutine,
// the Service event loop. Nothing in a Session is safe for concurrent use.
package emulator

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rowflo/internal/frame"
	"github.com/srg/rowflo/internal/queue"
)

const (
	// HandshakeTrigger is the first byte of the app's connect request.
	HandshakeTrigger = '$'

	// KeylockPrefix tags the challenge frame.
	KeylockPrefix = "KEYLOCK="

	// HandshakeResponses is the number of lines after the challenge that
	// complete the handshake.
	HandshakeResponses = 6

	challengeMin = 0x800000
	challengeMax = 0xFFFFFF
)

// ChallengeSource returns the keylock value; it must lie in [0x800000, 0xFFFFFF].
type ChallengeSource func() int

// RandomChallenge draws uniformly from the keylock range.
func RandomChallenge() int {
	return challengeMin + rand.IntN(challengeMax-challengeMin+1)
}

// LineSource yields the next raw telemetry line, if any.
type LineSource interface {
	Pop() (string, bool)
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithChallengeSource overrides the keylock random source.
func WithChallengeSource(src ChallengeSource) SessionOption {
	return func(s *Session) {
		if src != nil {
			s.challenge = src
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *logrus.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session is the emulated SmartRow as seen by one app connection.
type Session struct {
	state        ConnectionState
	receiveCount int
	pendingReset bool
	commands     *queue.CommandQueue
	offsets      OffsetTracker
	challenge    ChallengeSource
	logger       *logrus.Logger
}

// NewSession creates a session in the Start state.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		state:     Start,
		commands:  queue.NewCommandQueue(),
		challenge: RandomChallenge,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current handshake state.
func (s *Session) State() ConnectionState { return s.state }

// ReceiveCount returns the handshake response counter.
func (s *Session) ReceiveCount() int { return s.receiveCount }

// PendingReset reports whether the next telemetry frame carries a reset ack.
func (s *Session) PendingReset() bool { return s.pendingReset }

// Offsets returns a copy of the recalibration baseline.
func (s *Session) Offsets() Offsets { return s.offsets.Snapshot() }

// PendingCommands returns the number of queued control frames.
func (s *Session) PendingCommands() int { return s.commands.Len() }

// MakeChallenge renders a keylock challenge frame for value.
func MakeChallenge(value int) string {
	return frame.Terminator + frame.Terminate(fmt.Sprintf("%s%06X", KeylockPrefix, value))
}

// HandleInbound feeds one line written by the app into the handshake.
func (s *Session) HandleInbound(line string) Disposition {
	if line == "" {
		return Ignored
	}

	if s.state == Connected {
		if !strings.Contains(line, frame.ResetMarker) {
			return Forwarded
		}
		s.logger.Info("Resetting time, distance and stroke count on reset")
		s.pendingReset = true
		s.offsets.Recalibrate()
		return ResetRequested
	}

	s.logger.WithFields(logrus.Fields{
		"state": s.state.String(),
		"line":  quoteLine(line),
	}).Debug("App not connected, handling handshake line")

	switch s.state {
	case Start:
		if line[0] != HandshakeTrigger {
			return Ignored
		}
		s.setState(Started)
		s.receiveCount = 0
		return Consumed

	case Started:
		if line[0] != HandshakeTrigger {
			return Ignored
		}
		s.setState(AwaitingHandshakeResponse)
		s.receiveCount = 0
		s.commands.Clear()
		challenge := MakeChallenge(s.challenge())
		s.logger.WithField("challenge", quoteLine(challenge)).Info("Sending keylock challenge")
		s.commands.Push(challenge)
		return Consumed

	case AwaitingHandshakeResponse:
		s.receiveCount++
		s.logger.WithField("count", s.receiveCount).Debug("Keylock response received")
		switch {
		case s.receiveCount == 1:
			// the first response is not echoed
		case s.receiveCount < HandshakeResponses:
			s.commands.Push(line)
		case s.receiveCount == HandshakeResponses:
			s.commands.Push(frame.Terminator)
			s.setState(HandshakeReceived)
		}
		return Consumed
	}

	return Ignored
}

// Tick computes the frame to deliver this period. Control frames always
// preempt telemetry; telemetry is only relayed once connected.
func (s *Session) Tick(now time.Time, input LineSource) Result {
	if s.state == HandshakeReceived {
		s.commands.Push(frame.Terminator)
		s.setState(Connected)
	}

	if cmd, ok := s.commands.Pop(); ok {
		return frameResult(cmd)
	}

	if s.state != Connected || input == nil {
		return noData()
	}

	line, ok := input.Pop()
	if !ok {
		return noData()
	}
	return s.relay(now, line)
}

// Reset returns the session to Start, as when the app stops notifications.
func (s *Session) Reset() {
	s.logger.Info("Resetting app connection")
	s.setState(Start)
	s.receiveCount = 0
	s.offsets.Recalibrate()
	s.pendingReset = false
	s.commands.Clear()
}

// relay rewrites one telemetry line. All parsing happens before any state is
// touched, so a malformed line leaves the session unchanged.
func (s *Session) relay(now time.Time, line string) Result {
	if frame.IsSentinel(line) {
		return frameResult(line + frame.Terminator)
	}
	if len(line) < frame.MinTelemetryLen {
		return decodeFailed(&frame.DecodeError{Kind: frame.TooShort, Line: line})
	}

	distance, err := frame.DecodeDistanceNibbles(line)
	if err != nil {
		return decodeFailed(err)
	}
	strokes := -1
	if line[0] == frame.TagStroke {
		if strokes, err = frame.ParseStrokeField(line); err != nil {
			return decodeFailed(err)
		}
	}

	if frame.StartsTimer(line) && s.offsets.StartTimer(now) {
		s.logger.Info("Starting rowing timer")
	}

	out, err := frame.SpliceDistance(line, frame.EncodeDistance(s.offsets.ObserveDistance(distance)))
	if err != nil {
		return decodeFailed(err)
	}

	switch out[0] {
	case frame.TagTime:
		if out, err = frame.SubstituteElapsedTime(out, s.offsets.Elapsed(now)); err != nil {
			return decodeFailed(err)
		}
	case frame.TagStroke:
		s.offsets.ObserveStrokes(strokes)
		out = frame.SubstituteStrokeCount(out, strokes, s.offsets.offsets.Strokes)
	}

	out = frame.Terminate(out)
	if s.pendingReset {
		out = frame.ResetAck + out
		s.pendingReset = false
	}
	return frameResult(out)
}

func (s *Session) setState(next ConnectionState) {
	if next == s.state {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   next.String(),
	}).Info("Connect state changed")
	s.state = next
}

func quoteLine(line string) string {
	return strings.ReplaceAll(line, "\r", `\r`)
}
