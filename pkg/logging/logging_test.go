package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},

		// Config files arrive in whatever case the operator typed.
		{"DEBUG", LevelDebug},
		{"Warn", LevelWarn},
		{"eRrOr", LevelError},

		// Empty and unknown fall back to info.
		{"", LevelInfo},
		{"trace", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"text", FormatText},
		{"", FormatText},
		{"yaml", FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFormat(tt.input))
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	log.Info("client connected", "connectionId", "c1", "transport", "tcp")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "client connected", record["msg"])
	assert.Equal(t, "c1", record["connectionId"])
	assert.Equal(t, "tcp", record["transport"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	log.Info("client connected", "connectionId", "c1")

	out := buf.String()
	assert.Contains(t, out, "client connected")
	assert.Contains(t, out, "connectionId=c1")
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	log.Debug("suppressed")
	log.Info("suppressed")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	log.Error("goes nowhere")
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	handler := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	)
	log := slog.New(handler)

	log.Info("broadcast", "k", "v")

	assert.Contains(t, a.String(), "broadcast")
	assert.Contains(t, b.String(), `"broadcast"`)
}

func TestMultiHandlerRespectsPerHandlerLevels(t *testing.T) {
	var verbose, quiet bytes.Buffer
	handler := NewMultiHandler(
		slog.NewTextHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
	)

	assert.True(t, handler.Enabled(context.Background(), slog.LevelDebug))

	log := slog.New(handler)
	log.Debug("verbose only")

	assert.Contains(t, verbose.String(), "verbose only")
	assert.Empty(t, quiet.String())
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewMultiHandler(slog.NewTextHandler(&buf, nil)).
		WithAttrs([]slog.Attr{slog.String("service", "relayd")})
	log := slog.New(handler)

	log.Info("ready")

	line := buf.String()
	assert.True(t, strings.Contains(line, "service=relayd"), "attrs not applied: %s", line)
}
