package frame

// LineSplitter reassembles CR or LF terminated lines from arbitrary chunks,
// as delivered by serial reads and BLE notifications. Empty lines are dropped.
type LineSplitter struct {
	buf    []byte
	maxLen int
}

// DefaultMaxLineLen bounds a pending line; longer input is discarded.
const DefaultMaxLineLen = 256

// NewLineSplitter creates a splitter that discards pending lines longer than maxLen.
func NewLineSplitter(maxLen int) *LineSplitter {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLen
	}
	return &LineSplitter{maxLen: maxLen}
}

// Feed appends chunk and returns every line it completed.
func (s *LineSplitter) Feed(chunk []byte) []string {
	var lines []string
	for _, b := range chunk {
		if b == '\r' || b == '\n' {
			if len(s.buf) > 0 {
				lines = append(lines, string(s.buf))
				s.buf = s.buf[:0]
			}
			continue
		}
		if len(s.buf) >= s.maxLen {
			s.buf = s.buf[:0]
		}
		s.buf = append(s.buf, b)
	}
	return lines
}

// Pending returns the bytes of the incomplete line.
func (s *LineSplitter) Pending() string {
	return string(s.buf)
}

// Reset drops any incomplete line.
func (s *LineSplitter) Reset() {
	s.buf = s.buf[:0]
}
