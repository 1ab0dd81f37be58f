package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestHandlerRendersComponentTag(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, &HandlerOptions{Level: slog.LevelInfo}))

	l.With(slog.String("component", "cache")).Info("stored", slog.String("id", "abc"))

	out := buf.String()
	assert.Contains(t, out, "[CACHE] stored id=abc")
	assert.NotContains(t, out, "[INFO]")
}

func TestHandlerShowsLevelForWarnings(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, &HandlerOptions{Level: slog.LevelInfo}))

	l.With(slog.String("component", "resolver")).Warn("cooling down")
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[WARN] [RESOLVER] cooling down")
	assert.NotContains(t, out, "hidden")
}

func TestSilentHandlerDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, &HandlerOptions{Silent: true, Level: slog.LevelDebug}))
	l.Error("boom")
	assert.Empty(t, buf.String())
}

func TestStripANSIWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewStripANSIWriter(&buf)
	n, err := w.Write([]byte("\x1b[31mred\x1b[0m plain"))
	assert.NoError(t, err)
	assert.Equal(t, len("\x1b[31mred\x1b[0m plain"), n)
	assert.Equal(t, "red plain", buf.String())
}
