package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "info", Format: "json"}, &buf)
	l := Component(logger, "collector")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "collector" {
		t.Fatalf("component = %v, want collector", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Fatalf("message = %v", entry["message"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "info"}, &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}
}
