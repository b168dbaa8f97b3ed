package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of *testing.T the asserters need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// TranscriptOptions controls how two transcripts are compared.
type TranscriptOptions struct {
	// SplitOnCR puts every CR-terminated frame on its own line.
	SplitOnCR        bool `default:"true"`
	IgnoreEmptyLines bool `default:"false"`
	EnableColors     bool `default:"false"`
}

// TranscriptOption is a functional option for TranscriptAsserter.
type TranscriptOption func(*TranscriptOptions)

// TranscriptAsserter compares line-protocol transcripts and reports a
// unified diff on mismatch.
type TranscriptAsserter struct {
	t       TestingT
	options TranscriptOptions
}

// NewTranscriptAsserter creates an asserter with default options.
func NewTranscriptAsserter(t TestingT, opts ...TranscriptOption) *TranscriptAsserter {
	o := TranscriptOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TranscriptAsserter{t: t, options: o}
}

func WithSplitOnCR(split bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.SplitOnCR = split }
}

func WithIgnoreEmptyLines(ignore bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.IgnoreEmptyLines = ignore }
}

func WithEnableColors(enable bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.EnableColors = enable }
}

// Assert fails the test when actual differs from expected.
func (a *TranscriptAsserter) Assert(actual, expected string) bool {
	a.t.Helper()
	if d := a.Diff(actual, expected); d != "" {
		a.t.Errorf("transcript mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns the unified diff of the normalized transcripts, or "" when
// they match.
func (a *TranscriptAsserter) Diff(actual, expected string) string {
	act, exp := a.normalize(actual), a.normalize(expected)
	if act == exp {
		return ""
	}
	edits := myers.ComputeEdits("", exp, act)
	return a.colorize(fmt.Sprint(gotextdiff.ToUnified("expected", "actual", exp, edits)))
}

func (a *TranscriptAsserter) normalize(text string) string {
	if a.options.SplitOnCR {
		text = strings.ReplaceAll(text, "\r\n", "\n")
		text = strings.ReplaceAll(text, "\r", "⏎\n")
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if a.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

func (a *TranscriptAsserter) colorize(diff string) string {
	if !a.options.EnableColors {
		return diff
	}
	red, green, cyan := color.New(color.FgRed), color.New(color.FgGreen), color.New(color.FgCyan)
	for _, c := range []*color.Color{red, green, cyan} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(strings.ReplaceAll(line, " ", "·"))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(strings.ReplaceAll(line, " ", "·"))
		}
	}
	return strings.Join(lines, "\n")
}
