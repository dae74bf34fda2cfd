package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "logcat", o.sourceKind)
	assert.Equal(t, 30*time.Second, o.refreshInterval)
	assert.False(t, o.recordExisting)

	o, err = parseFlags([]string{"--source", "file", "--input", "-", "--codec=zstd", "--record-existing", "--flush-interval", "0"})
	require.NoError(t, err)
	assert.Equal(t, "file", o.sourceKind)
	assert.Equal(t, "-", o.input)
	assert.Equal(t, "zstd", o.codec)
	assert.True(t, o.recordExisting)
	assert.Zero(t, o.flushInterval)

	_, err = parseFlags([]string{"extra"})
	assert.EqualError(t, err, "unexpected argument: extra")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("chatty"))
}
