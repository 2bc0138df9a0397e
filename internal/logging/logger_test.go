package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInitializeSilentByDefault(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if GetLogger().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("logger should be silent when no level is configured")
	}
}

func TestInitializeFromEnv(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "warn")
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	l := GetLogger()
	if !l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn should be enabled")
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
}

func TestHexDumpTruncates(t *testing.T) {
	data := make([]byte, 300)
	got := HexDump(data)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("HexDump of 300 bytes should be truncated, got len %d", len(got))
	}
	if len(got) != maxDumpLen*2+3 {
		t.Errorf("HexDump length = %d, want %d", len(got), maxDumpLen*2+3)
	}
	if HexDump(nil) != "" {
		t.Error("HexDump(nil) should be empty")
	}
}

func TestLogRawBytes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core)

	LogRawBytes(l, "tx", []byte{0x55, 0x21, 'A'})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["hex"] != "552141" {
		t.Errorf("hex = %v, want 552141", fields["hex"])
	}
	if fields["ascii"] != "U!A" {
		t.Errorf("ascii = %v, want U!A", fields["ascii"])
	}
}

func TestLogRawBytesSkippedAboveDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	LogRawBytes(zap.New(core), "rx", []byte{1, 2, 3})
	if logs.Len() != 0 {
		t.Errorf("expected no entries at info level, got %d", logs.Len())
	}
}
