package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.LevelInfo, "json", &buf)

	log.Info("[BLE] connected", "address", "AA:BB:CC:DD:EE:FF")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "[BLE] connected" {
		t.Errorf("msg = %q, want %q", entry["msg"], "[BLE] connected")
	}
	if entry["address"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q, want %q", entry["address"], "AA:BB:CC:DD:EE:FF")
	}
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.LevelInfo, "", &buf)

	log.Info("[HRM] sample", "bpm", 72)

	out := buf.String()
	if !strings.Contains(out, `msg="[HRM] sample"`) {
		t.Errorf("text output missing message: %s", out)
	}
	if !strings.Contains(out, "bpm=72") {
		t.Errorf("text output missing attribute: %s", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.LevelWarn, "text", &buf)

	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("records below warn were written: %s", buf.String())
	}

	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn record missing: %s", buf.String())
	}
}
