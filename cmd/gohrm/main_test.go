package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gohrm/internal/ble"
	"github.com/chaz8081/gohrm/internal/events"
	"github.com/chaz8081/gohrm/internal/hrm"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"1046e803", []byte{0x10, 0x46, 0xE8, 0x03}},
		{"10 46 E8 03", []byte{0x10, 0x46, 0xE8, 0x03}},
		{"10:46:e8:03", []byte{0x10, 0x46, 0xE8, 0x03}},
		{"0x10,0x46", []byte{0x10, 0x46}},
	}
	for _, tt := range tests {
		got, err := parseHex(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseHex("")
	assert.Error(t, err)
	_, err = parseHex("zz")
	assert.Error(t, err)
	_, err = parseHex("104")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	var out bytes.Buffer
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	require.NoError(t, describe(&out, []byte{0x1E, 0x48, 0x10, 0x00, 0x00, 0x04}, at))

	s := out.String()
	assert.Contains(t, s, "heart rate: 72 bpm (uint8)")
	assert.Contains(t, s, "contact:    detected")
	assert.Contains(t, s, "energy:     16 kJ")
	assert.Contains(t, s, "rr[0]:      1000 ms (raw 1024/1024 s)")
	assert.Contains(t, s, "record:     2024-03-09 14:05:07,72,1000")
}

func TestDecodeCommand(t *testing.T) {
	out, err := execute(t, "decode", "11 46 00 E8 03")
	require.NoError(t, err)
	assert.Contains(t, out, "heart rate: 70 bpm (uint16)")
	assert.Contains(t, out, "rr[0]:      976 ms")
	assert.Contains(t, out, "contact:    not supported")
}

func TestDecodeCommandMalformed(t *testing.T) {
	_, err := execute(t, "decode", "10 46 00 E8 03")
	assert.ErrorIs(t, err, hrm.ErrMalformedLength)

	_, err = execute(t, "decode", "01")
	assert.ErrorIs(t, err, hrm.ErrTooShort)
}

func TestConfigInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	out, err := execute(t, "config", "init")
	require.NoError(t, err)
	path := filepath.Join(home, ".config", "gohrm", "config.yaml")
	assert.Contains(t, out, "wrote default config to "+path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "config already exists")
}

func TestMonitorRequiresAddress(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := execute(t, "monitor")
	assert.ErrorIs(t, err, ble.ErrNoAddress)
}

func TestMonitorRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ble:\n  backend: carrier-pigeon\n"), 0644))

	_, err := execute(t, "--config", cfgPath, "monitor", "AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ble.backend"), err.Error())
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	opts := &rootOptions{logLevel: "debug"}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	opts.logLevel = "loud"
	_, err = loadConfig(opts)
	assert.Error(t, err)
}

func TestOutputsShutdownDrainsRecordLines(t *testing.T) {
	var stdout, display bytes.Buffer
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New(log)
	out := attachOutputs(bus, &stdout, &display, true, log)

	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	const n = 200
	for i := 0; i < n; i++ {
		bus.Publish(events.Event{
			Type:   events.SampleDecoded,
			Sample: hrm.Sample{Timestamp: at, HeartRate: 72, RRIntervals: []uint16{}},
		})
	}
	bus.Publish(events.Event{Type: events.GaveUp, Err: ble.ErrReconnectGiveUp})
	out.shutdown()
	out.shutdown()

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Len(t, lines, n)
	assert.Equal(t, "2024-03-09 14:05:07,72", lines[0])
	assert.Equal(t, n, out.sink.Lines())
	assert.Equal(t, n+1, strings.Count(display.String(), "\n"))

	select {
	case err := <-out.fatal:
		assert.ErrorIs(t, err, ble.ErrReconnectGiveUp)
	default:
		t.Fatal("give up was not reported")
	}
}
