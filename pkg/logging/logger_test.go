package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewWithConfig_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poller.log")
	config := DefaultLogConfig()
	config.Output = path
	config.Level = "warn"

	logger := WithDeviceContext(NewWithConfig("register-poller", "1.2.3", config), "heatpump.local:502", 1)
	logger.Info().Msg("filtered")
	logger.Warn().Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", data, err)
	}
	if entry["message"] != "kept" || entry["service"] != "register-poller" || entry["device"] != "heatpump.local:502" {
		t.Errorf("entry = %v", entry)
	}
}
