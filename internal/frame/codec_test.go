package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: "00"},
		{name: "single char", input: "A", expected: "41"},
		// 'K'+'E'+'Y' = 0x4B+0x45+0x59 = 0xE9
		{name: "short word", input: "KEY", expected: "E9"},
		// sum 0x1F4 keeps the low byte
		{name: "wraps past one byte", input: "ddddd", expected: "F4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Checksum(tt.input))
		})
	}
}

func TestChecksum_StableAndSensitive(t *testing.T) {
	frames := []string{"a@@@@@00000   ", "KEYLOCK=9ABCDE", "d@@@AB   42 x", "x"}

	for _, f := range frames {
		first := Checksum(f)
		assert.Equal(t, first, Checksum(f), "checksum must be stable for %q", f)

		// Appending any non-NUL character changes the sum by less than 256
		for _, c := range []string{"0", "A", " ", "\x7f"} {
			assert.NotEqual(t, first, Checksum(f+c), "appending %q to %q must change checksum", c, f)
		}
	}
}

func TestTerminate(t *testing.T) {
	got := Terminate("KEY")
	assert.Equal(t, "KEYE9\r", got)
}

func TestEncodeDistance(t *testing.T) {
	tests := []struct {
		value    int
		expected string
	}{
		{0, "@@@@@"},
		{1, "@@@@A"},
		{12345, "ABCDE"},
		{99999, "IIIII"},
		{-5, "@@@@@"},
		{123456, "IIIII"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EncodeDistance(tt.value), "value %d", tt.value)
	}
}

func TestDistanceRoundTrip(t *testing.T) {
	for d := 0; d <= MaxDistance; d += 7 {
		line := "a" + EncodeDistance(d) + "00000000"
		got, err := DecodeDistanceNibbles(line)
		require.NoError(t, err)
		require.Equal(t, d, got)

		raw, err := DecodeDistanceRaw(line)
		require.NoError(t, err)
		for i := 0; i < len(raw); i++ {
			// decode keeps the low nibble and sets 0x30
			require.Equal(t, line[i+1]&0x0F|0x30, raw[i])
		}
	}
}

func TestDecodeDistanceNibbles_Errors(t *testing.T) {
	_, err := DecodeDistanceNibbles("a12")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooShort))

	// ':' has low nibble 0xA which decodes to a non-digit
	_, err = DecodeDistanceNibbles("a::::: 0000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotNumeric))
	assert.False(t, errors.Is(err, ErrTooShort))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00000", FormatElapsed(0))
	assert.Equal(t, "00105", FormatElapsed(65))
	assert.Equal(t, "13005", FormatElapsed(3600+30*60+5))
	assert.Equal(t, "95959", FormatElapsed(10*3600))
	assert.Equal(t, "00000", FormatElapsed(-3))
}

func TestSubstituteElapsedTime(t *testing.T) {
	got, err := SubstituteElapsedTime("a@@@@A12345678", 125)
	require.NoError(t, err)
	assert.Equal(t, "a@@@@A00205   ", got)
	assert.Len(t, got, MinTelemetryLen)

	got, err = SubstituteElapsedTime("a@@@@A12345678TAIL", 0)
	require.NoError(t, err)
	assert.Equal(t, "a@@@@A00000   TAIL", got)

	_, err = SubstituteElapsedTime("a@@", 0)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestStrokeField(t *testing.T) {
	raw, err := ParseStrokeField("d@@@@A000  12x")
	require.NoError(t, err)
	assert.Equal(t, 12, raw)

	tests := []struct {
		name     string
		raw      int
		offset   int
		expected string
	}{
		{name: "no offset", raw: 12, offset: 0, expected: "d@@@@A000  12x"},
		{name: "offset subtracted", raw: 12, offset: 10, expected: "d@@@@A000   2x"},
		{name: "clamped at zero", raw: 3, offset: 10, expected: "d@@@@A000   0x"},
		{name: "clamped at max", raw: 20000, offset: 0, expected: "d@@@@A0009999x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SubstituteStrokeCount("d@@@@A000  12x", tt.raw, tt.offset))
		})
	}

	_, err = ParseStrokeField("d@@@@A000 x1x")
	assert.ErrorIs(t, err, ErrNotNumeric)

	raw, err = ParseStrokeField("d@@@@A000-001")
	require.NoError(t, err)
	assert.Equal(t, 0, raw, "negative count reads as zero")
}

func TestSpliceDistance(t *testing.T) {
	got, err := SpliceDistance("bABCDE12345678EXTRA", "@@@@@")
	require.NoError(t, err)
	assert.Equal(t, "b@@@@@12345678", got)

	_, err = SpliceDistance("bABCDE", "@@@@@")
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestSentinelsAndTimer(t *testing.T) {
	assert.True(t, IsSentinel("V3.00"))
	assert.True(t, IsSentinel("\rV@\r"))
	assert.False(t, IsSentinel("a@@@@@00000   "))

	assert.True(t, StartsTimer("f@@@@@00000x  "))
	assert.False(t, StartsTimer("f@@@@@00000!  "))
	assert.False(t, StartsTimer("a@@@@@00000x  "))
	assert.False(t, StartsTimer("f@@"))
}
