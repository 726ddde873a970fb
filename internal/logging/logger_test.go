package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, false, "warn", false)
	log.Info("hidden")
	log.Warn("forbidden action", "actor", "mallory")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "actor=mallory")
	assert.NotContains(t, out, "time=")

	buf.Reset()
	newLogger(&buf, true, "", true).Debug("step", "name", "build")
	assert.Contains(t, buf.String(), `"name":"build"`)
}

func TestShortPath(t *testing.T) {
	assert.Equal(t, "internal/usecase/deploy.go", shortPath("/home/me/src/evolve/internal/usecase/deploy.go"))
	assert.Equal(t, "main.go", shortPath("/tmp/main.go"))
}
