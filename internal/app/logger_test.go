package app

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		env     string
		wantErr bool
		enabled zapcore.Level
	}{
		{level: "info", env: "production", enabled: zapcore.InfoLevel},
		{level: "debug", env: "development", enabled: zapcore.DebugLevel},
		{level: "loud", env: "development", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := NewLogger(tt.level, tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			if !l.Desugar().Core().Enabled(tt.enabled) {
				t.Errorf("level %v not enabled", tt.enabled)
			}
			if tt.enabled == zapcore.InfoLevel && l.Desugar().Core().Enabled(zapcore.DebugLevel) {
				t.Error("debug should be disabled at info")
			}
		})
	}
}
