package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warning ", zapcore.WarnLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBuildConfig(t *testing.T) {
	cases := []struct {
		name         string
		cfg          Config
		wantEncoding string
		wantSampling bool
	}{
		{"production", Config{Environment: "production"}, "json", true},
		{"development", Config{Environment: "development"}, "console", false},
		{"production console", Config{Environment: "production", Format: "console"}, "console", true},
		{"development json", Config{Format: "JSON"}, "json", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zc := buildConfig(tc.cfg)
			if zc.Encoding != tc.wantEncoding {
				t.Fatalf("expected encoding %q, got %q", tc.wantEncoding, zc.Encoding)
			}
			if (zc.Sampling != nil) != tc.wantSampling {
				t.Fatalf("unexpected sampling %+v", zc.Sampling)
			}
			if len(zc.OutputPaths) != 1 || zc.OutputPaths[0] != "stdout" {
				t.Fatalf("unexpected output paths %v", zc.OutputPaths)
			}
		})
	}
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otpd.log")
	logger, err := New(Config{Environment: "production", Level: "warn", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", zap.String("serial", "OATH0001"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["serial"] != "OATH0001" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", entry)
	}
}
