package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func decode(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output %q: %v", line, err)
	}
	return entry
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("channel")

	if logger.Component() != "channel" {
		t.Errorf("Expected component 'channel', got '%s'", logger.Component())
	}
	if logger.Logger.Level != logrus.InfoLevel {
		t.Errorf("Expected default log level Info, got %v", logger.Logger.Level)
	}
}

func TestSetLevel(t *testing.T) {
	logger := NewLogger("test")

	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"invalid", logrus.InfoLevel},
	}

	for _, tt := range tests {
		logger.SetLevel(tt.input)
		if logger.Logger.Level != tt.expected {
			t.Errorf("SetLevel(%s): expected %v, got %v", tt.input, tt.expected, logger.Logger.Level)
		}
	}
}

func TestSetDefaultOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultOutput(&buf)
	SetDefaultLevel("debug")
	defer func() {
		SetDefaultOutput(os.Stderr)
		SetDefaultLevel("info")
	}()

	logger := NewLogger("client")
	logger.Debug("Allocated connection id", "id", uint64(42))

	entry := decode(t, buf.String())
	if entry["message"] != "Allocated connection id" {
		t.Errorf("Expected message, got '%v'", entry["message"])
	}
	if entry["id"] != float64(42) {
		t.Errorf("Expected id=42, got '%v'", entry["id"])
	}
}

func TestFieldOrder(t *testing.T) {
	logger := NewLogger("http-conn")
	var buf bytes.Buffer
	logger.Logger.SetOutput(&buf)

	logger.Error("Response parse failed", errors.New("bad status"), "zeta", 1, "addr", "example.com:80")

	output := buf.String()
	order := []string{`"timestamp"`, `"level"`, `"component"`, `"message"`, `"error"`, `"addr"`, `"zeta"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(output, key)
		if idx < 0 {
			t.Fatalf("Missing %s in %s", key, output)
		}
		if idx < last {
			t.Errorf("Field %s out of order in %s", key, output)
		}
		last = idx
	}

	entry := decode(t, output)
	if entry["error"] != "bad status" {
		t.Errorf("Expected error 'bad status', got '%v'", entry["error"])
	}
	if entry["level"] != "error" {
		t.Errorf("Expected level 'error', got '%v'", entry["level"])
	}
}

func TestNamedSharesOutput(t *testing.T) {
	parent := NewLogger("client")
	var buf bytes.Buffer
	parent.Logger.SetOutput(&buf)
	parent.SetLevel("warn")

	child := parent.Named("tcp-conn")
	child.Info("suppressed")
	child.Warn("Channel closed", "id", "1-0-0")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %q", len(lines), buf.String())
	}
	entry := decode(t, lines[0])
	if entry["component"] != "tcp-conn" {
		t.Errorf("Expected component 'tcp-conn', got '%v'", entry["component"])
	}
	if entry["level"] != "warning" {
		t.Errorf("Expected level 'warning', got '%v'", entry["level"])
	}
}

func TestAddFieldsWithOddNumberOfArgs(t *testing.T) {
	logger := NewLogger("test")
	var buf bytes.Buffer
	logger.Logger.SetOutput(&buf)

	logger.Info("Message", "key1", "value1", "key2")

	entry := decode(t, buf.String())
	if entry["key1"] != "value1" {
		t.Errorf("Expected key1='value1', got '%v'", entry["key1"])
	}
	if entry["key2"] != "" {
		t.Errorf("Expected key2='', got '%v'", entry["key2"])
	}
}

func TestFormatterDoesNotMutateEntry(t *testing.T) {
	logger := logrus.New()
	entry := logger.WithField("component", "x").WithError(errors.New("boom"))

	f := &OrderedJSONFormatter{}
	if _, err := f.Format(entry); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if _, ok := entry.Data["component"]; !ok {
		t.Error("Formatter should leave component in entry data")
	}
	if _, ok := entry.Data[logrus.ErrorKey]; !ok {
		t.Error("Formatter should leave error in entry data")
	}
}
