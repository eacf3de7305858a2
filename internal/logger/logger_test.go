package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"debug console", "debug", "console", false},
		{"info json", "info", "json", false},
		{"warn defaults to production", "warn", "", false},
		{"invalid level", "chatty", "console", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l == nil || l.Logger == nil {
				t.Fatal("expected a usable logger")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	l, err := New("error", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info must be filtered out at error level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error level must be enabled")
	}
}
