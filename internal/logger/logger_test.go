package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
	}
	for level, want := range cases {
		log, err := New(level, "json", "lpr-test")
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(want), "level %q should enable %s", level, want)
		if want > zapcore.DebugLevel {
			assert.False(t, log.Core().Enabled(want-1), "level %q should not enable %s", level, want-1)
		}
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	log, err := New("debug", "console", "")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
