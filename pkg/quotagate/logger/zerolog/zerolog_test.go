package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

func decodeLine(t *testing.T, output *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", output.String(), err)
	}
	return entry
}

func TestZerologLogger_NilUsesNop(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	// Must not panic
	logger.Info("ignored", quotagate.F("key", "value"))
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			entry := decodeLine(t, &output)
			if entry["level"] != tt.level {
				t.Errorf("Expected level %q, got %v", tt.level, entry["level"])
			}
			if entry["message"] != "msg" {
				t.Errorf("Expected message %q, got %v", "msg", entry["message"])
			}
		})
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Warn("cache unavailable",
		quotagate.F("user_id", "user1"),
		quotagate.F("count", 3),
		quotagate.F("degraded", true),
		quotagate.F("tier", quotagate.TierMinutely),
		quotagate.ErrField(errors.New("connection refused")),
	)

	entry := decodeLine(t, &output)
	if entry["user_id"] != "user1" {
		t.Errorf("Expected user_id user1, got %v", entry["user_id"])
	}
	if entry["count"] != float64(3) {
		t.Errorf("Expected count 3, got %v", entry["count"])
	}
	if entry["degraded"] != true {
		t.Errorf("Expected degraded true, got %v", entry["degraded"])
	}
	if entry["tier"] != "minutely" {
		t.Errorf("Expected tier minutely, got %v", entry["tier"])
	}
	if entry["error"] != "connection refused" {
		t.Errorf("Expected error message, got %v", entry["error"])
	}
}

func TestZerologLogger_RespectsLevel(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("dropped")
	logger.Info("dropped")
	if output.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", output.String())
	}

	logger.Warn("kept")
	if output.Len() == 0 {
		t.Error("Expected warn log to be written")
	}
}
