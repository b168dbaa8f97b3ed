package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/rowflo/internal/pipeline"
	"github.com/srg/rowflo/internal/source/s4"
	"github.com/srg/rowflo/internal/testutils"
	"github.com/srg/rowflo/pkg/config"
	"github.com/srg/rowflo/scanner"
)

func noColor(t *testing.T) {
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(args))
	return loadConfig(cmd)
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestDefaultsWithoutFlags(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, config.InterfaceS4, cfg.Interface)
	assert.False(t, cfg.BLE)
	assert.False(t, cfg.Passthrough())
	assert.Equal(t, config.TransportBLE, cfg.Emulator.Transport)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rowflo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interface: sr
ble: true
s4:
  port: /dev/ttyACM9
websocket:
  addr: ":9000"
`), 0o600))

	cfg, err := parse(t, "--config", path, "--blue=false", "-a", "--ws-addr", ":8080", "--pty-symlink", "/tmp/smartrow")
	require.NoError(t, err)

	assert.Equal(t, config.InterfaceSmartRow, cfg.Interface, "file value kept")
	assert.Equal(t, "/dev/ttyACM9", cfg.S4.Port, "file value kept")
	assert.False(t, cfg.BLE, "flag wins")
	assert.True(t, cfg.ANT)
	assert.Equal(t, ":8080", cfg.WebSocket.Addr)
	assert.Equal(t, config.TransportPTY, cfg.Emulator.Transport)
	assert.Equal(t, "/tmp/smartrow", cfg.Emulator.PTYSymlink)
	assert.True(t, cfg.Passthrough())
}

func TestInvalidInterfaceIsReported(t *testing.T) {
	_, err := parse(t, "-i", "usb", "--log-level", "loud")
	require.Error(t, err)

	msg := FormatUserError(err)
	assert.Contains(t, msg, "configuration problems:")
	assert.Contains(t, msg, `interface "usb"`)
	assert.Contains(t, msg, `log_level "loud"`)
}

func TestFormatUserErrorHints(t *testing.T) {
	msg := FormatUserError(fmt.Errorf("s4 session: %w", s4.ErrNoDevice))
	assert.Contains(t, msg, "hint: check the S4 USB cable")

	assert.Equal(t, "boom", FormatUserError(fmt.Errorf("boom")))
}

func TestPrintPorts(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	printPorts(&buf, []s4.PortInfo{
		{Name: "/dev/ttyACM0", USB: true, VID: "04d8", PID: "000a", Product: "S4 Monitor"},
		{Name: "/dev/ttyUSB0", USB: true, VID: "0fcf", PID: "1009", Serial: "123"},
		{Name: "/dev/ttyS0"},
	})

	testutils.NewTranscriptAsserter(t, testutils.WithSplitOnCR(false)).Assert(buf.String(),
		"S4  /dev/ttyACM0  04D8:000A  S4 Monitor\n"+
			"ANT /dev/ttyUSB0  0FCF:1009  sn 123\n"+
			"    /dev/ttyS0\n")

	buf.Reset()
	printPorts(&buf, nil)
	assert.Equal(t, "No serial ports found\n", buf.String())
}

func TestPrintBanner(t *testing.T) {
	noColor(t)
	cfg := config.DefaultConfig()
	cfg.Interface = config.InterfaceSmartRow
	cfg.ANT = true

	topo, err := pipeline.Build(cfg, testutils.NewLogger())
	require.NoError(t, err)

	var buf bytes.Buffer
	printBanner(&buf, cfg, topo)
	testutils.NewTranscriptAsserter(t, testutils.WithSplitOnCR(false)).Assert(buf.String(),
		"rowflo dev\n"+
			`  sr    SmartRow named "SmartRow"`+"\n"+
			`  srpt  emulated SmartRow advertised as "SmartRow" (best effort)`+"\n"+
			"  ant   ANT+ stick on autodetect\n")
}

func TestPrintSightings(t *testing.T) {
	noColor(t)
	found := []scanner.Sighting{
		{Address: "aa:bb:cc:00:00:02", Name: "SmartRow", RSSI: -50, SmartRow: true, Seen: 4},
		{Address: "aa:bb:cc:00:00:03", RSSI: -81, Seen: 1},
	}

	var buf bytes.Buffer
	printSightings(&buf, found)
	testutils.NewTranscriptAsserter(t, testutils.WithSplitOnCR(false)).Assert(buf.String(),
		"ADDRESS            NAME      RSSI  SEEN  \n"+
			"aa:bb:cc:00:00:02  SmartRow  -50   4     \n"+
			"aa:bb:cc:00:00:03  -         -81   1     \n")

	buf.Reset()
	require.NoError(t, printSightingsJSON(&buf, found[:1]))
	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &docs))
	require.Len(t, docs, 1)
	testutils.NewJSONAsserter(t, testutils.WithIgnoreExtraKeys(false)).Assert(string(docs[0]),
		`{"address":"aa:bb:cc:00:00:02","name":"SmartRow","rssi":-50,"connectable":false,"smartrow":true,"seen":4}`)

	buf.Reset()
	printSightings(&buf, nil)
	assert.Equal(t, "No devices found\n", buf.String())
}

func TestScanRejectsUnknownFormat(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"scan", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format 'xml'")
}

func TestProgressStopsOnFinalPhase(t *testing.T) {
	var buf syncBuffer
	p := NewCountdownProgressPrinter(&buf, "Scanning for SmartRow", "Scanning", 3*time.Second, "Processing results")
	p.Start()
	p.Callback()("Processing results")
	p.Stop()

	out := buf.String()
	assert.Contains(t, out, "\rScanning for SmartRow (Scanning 3s)   ")
	assert.True(t, len(out) >= len(clearLineSequence) && out[len(out)-len(clearLineSequence):] == clearLineSequence)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
