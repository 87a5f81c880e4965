package logging

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInvariantIsTagged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Invariant("parent mismatch", Path(`\a\b`))
	Error("plain failure", Err(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, true, entries[0].ContextMap()["invariant"])
	assert.Equal(t, `\a\b`, entries[0].ContextMap()["path"])
	_, tagged := entries[1].ContextMap()["invariant"]
	assert.False(t, tagged)
}

func TestInitLevels(t *testing.T) {
	restore := Replace(nil)
	defer restore()

	tests := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"not-a-level", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "pbofs.log")
			require.NoError(t, Init(Config{Level: tt.level, Format: "json", OutputPath: out}))
			assert.True(t, L().Core().Enabled(tt.enabled))
			assert.False(t, L().Core().Enabled(tt.muted))
		})
	}
}

func TestLDefaultsWhenUninitialized(t *testing.T) {
	restore := Replace(nil)
	defer restore()

	l := L()
	require.NotNil(t, l)
	assert.Same(t, l, L())
}
