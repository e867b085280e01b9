package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MattCruikshank/zentrias/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "zentrias.log")
	logger, w, err := New(config.LogConfig{Level: "warn", Format: "json", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "peer_id", "u-2")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log is not a single JSON line: %q", data)
	}
	if entry["msg"] != "kept" || entry["peer_id"] != "u-2" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(config.LogConfig{Format: "xml"}); err == nil {
		t.Error("expected an error")
	}
}
