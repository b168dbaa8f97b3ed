package frame

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineSplitter(t *testing.T) {
	s := NewLineSplitter(0)

	assert.Empty(t, s.Feed([]byte("a@@@@A")))
	assert.Equal(t, "a@@@@A", s.Pending())

	lines := s.Feed([]byte("12345678\r\rV3.00\r\nd@@"))
	assert.Equal(t, []string{"a@@@@A12345678", "V3.00"}, lines)
	assert.Equal(t, "d@@", s.Pending())

	s.Reset()
	assert.Empty(t, s.Pending())
	assert.Equal(t, []string{"x"}, s.Feed([]byte("x\n")))
}

func TestLineSplitterDiscardsRunawayLines(t *testing.T) {
	s := NewLineSplitter(8)
	lines := s.Feed([]byte(strings.Repeat("z", 20) + "\rok\r"))
	assert.Equal(t, "ok", lines[len(lines)-1])
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 8)
	}
}
