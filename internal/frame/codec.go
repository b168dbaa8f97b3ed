// Package frame implements the SmartRow line codec: checksum framing, the
// nibble-obfuscated distance field and the elapsed-time / stroke-count
// substitutions applied to relayed telemetry.
//
// All functions are pure and safe for concurrent use.
package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Terminator ends every frame on the wire.
	Terminator = "\r"

	// ResetMarker is sent by the app to zero the session and echoed back as an ack.
	ResetMarker = "V@"

	// VersionMarker is the firmware banner emitted by the real device.
	VersionMarker = "V3.00"

	// ResetAck prefixes the first telemetry frame after a reset.
	ResetAck = Terminator + ResetMarker + Terminator

	// MinTelemetryLen is the shortest line that carries every fixed field.
	MinTelemetryLen = 14

	distanceStart = 1
	distanceEnd   = 6
	timeStart     = 6
	timeEnd       = 14
	strokeStart   = 9
	strokeEnd     = 13

	// MaxDistance is the largest value the five-character distance field holds.
	MaxDistance = 99999

	// MaxStrokes is the largest value the four-character stroke field holds.
	MaxStrokes = 9999

	maxHours = 9
)

// Frame tags (first byte of a telemetry line).
const (
	TagTime   byte = 'a'
	TagStroke byte = 'd'
	TagTimer  byte = 'f'
)

// TimerMarkerOffset is the byte of an 'f' frame that must not be TimerIdleMarker
// for the frame to start the rowing timer.
const (
	TimerMarkerOffset      = 11
	TimerIdleMarker   byte = '!'
)

// DecodeErrorKind classifies telemetry decode failures
type DecodeErrorKind string

const (
	TooShort   DecodeErrorKind = "too_short"
	NotNumeric DecodeErrorKind = "not_numeric"
)

// DecodeError describes a malformed telemetry line
type DecodeError struct {
	Kind DecodeErrorKind
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %q: %v", e.Kind, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Line)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is compares DecodeError values by Kind
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrTooShort   = &DecodeError{Kind: TooShort}
	ErrNotNumeric = &DecodeError{Kind: NotNumeric}
)

// Checksum sums the byte values of s, renders the sum as at least four
// uppercase hex digits and keeps the last two.
func Checksum(s string) string {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	hex := fmt.Sprintf("%04X", sum)
	return hex[len(hex)-2:]
}

// Terminate appends the checksum and the carriage return.
func Terminate(s string) string {
	return s + Checksum(s) + Terminator
}

// DecodeDistanceRaw returns the five de-obfuscated ASCII characters at
// positions 1..5 of line. Each character keeps its low nibble with 0x30 set.
func DecodeDistanceRaw(line string) (string, error) {
	if len(line) < distanceEnd {
		return "", &DecodeError{Kind: TooShort, Line: line}
	}
	var b strings.Builder
	b.Grow(distanceEnd - distanceStart)
	for i := distanceStart; i < distanceEnd; i++ {
		b.WriteByte(line[i]&0x0F | 0x30)
	}
	return b.String(), nil
}

// DecodeDistanceNibbles reverses the nibble obfuscation of the distance field.
func DecodeDistanceNibbles(line string) (int, error) {
	raw, err := DecodeDistanceRaw(line)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &DecodeError{Kind: NotNumeric, Line: line, Err: err}
	}
	return v, nil
}

// EncodeDistance renders value as five obfuscated characters (each decimal
// digit shifted by 0x10). Values outside [0, MaxDistance] are clamped.
func EncodeDistance(value int) string {
	if value < 0 {
		value = 0
	}
	if value > MaxDistance {
		value = MaxDistance
	}
	digits := fmt.Sprintf("%05d", value)
	b := []byte(digits)
	for i := range b {
		b[i] += 0x10
	}
	return string(b)
}

// FormatElapsed renders seconds as HMMSS. Past 9 hours the clock holds at
// 9:59:59 so the field stays five digits wide.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	if h > maxHours {
		return fmt.Sprintf("%d5959", maxHours)
	}
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d%02d%02d", h, m, s)
}

// SubstituteElapsedTime splices the elapsed time, padded with three spaces,
// over offsets 6..13 of frame. The tag and anything past offset 13 are kept.
func SubstituteElapsedTime(frame string, elapsedSeconds int) (string, error) {
	if len(frame) < timeStart {
		return "", &DecodeError{Kind: TooShort, Line: frame}
	}
	tail := ""
	if len(frame) > timeEnd {
		tail = frame[timeEnd:]
	}
	return frame[:timeStart] + FormatElapsed(elapsedSeconds) + "   " + tail, nil
}

// ParseStrokeField reads the four-character stroke field; spaces count as zero
// and a negative count reads as zero.
func ParseStrokeField(frame string) (int, error) {
	if len(frame) < strokeEnd {
		return 0, &DecodeError{Kind: TooShort, Line: frame}
	}
	field := strings.ReplaceAll(frame[strokeStart:strokeEnd], " ", "0")
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, &DecodeError{Kind: NotNumeric, Line: frame, Err: err}
	}
	if v < 0 {
		v = 0
	}
	return v, nil
}

// SubstituteStrokeCount replaces the stroke field with raw-offset, clamped
// to [0, MaxStrokes] and right-justified in four characters.
func SubstituteStrokeCount(frame string, raw, offset int) string {
	c := raw - offset
	if c < 0 {
		c = 0
	}
	if c > MaxStrokes {
		c = MaxStrokes
	}
	return frame[:strokeStart] + fmt.Sprintf("%4d", c) + frame[strokeEnd:]
}

// SpliceDistance rebuilds the fixed part of a telemetry line: the tag, the
// encoded distance and the original bytes 6..13. Bytes past 13 are dropped.
func SpliceDistance(line, encoded string) (string, error) {
	if len(line) < MinTelemetryLen {
		return "", &DecodeError{Kind: TooShort, Line: line}
	}
	if len(encoded) != distanceEnd-distanceStart {
		return "", errors.New("frame: encoded distance must be five characters")
	}
	return line[:distanceStart] + encoded + line[distanceEnd:timeEnd], nil
}

// IsSentinel reports whether line is a version banner or reset echo, which
// are relayed without field substitution.
func IsSentinel(line string) bool {
	return strings.Contains(line, VersionMarker) || strings.Contains(line, ResetMarker)
}

// StartsTimer reports whether line qualifies to start the rowing timer.
func StartsTimer(line string) bool {
	return len(line) > TimerMarkerOffset && line[0] == TagTimer && line[TimerMarkerOffset] != TimerIdleMarker
}
