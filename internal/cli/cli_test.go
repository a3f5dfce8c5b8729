package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vietddude/ticketbot/internal/core/domain"
)

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, map[domain.FailedOrderStatus]int{
		domain.FailedOrderStatusFailed:  4,
		domain.FailedOrderStatusRetried: 1,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 6)
	assert.Contains(t, lines[1], "failed")
	assert.Contains(t, lines[1], "4")
	assert.Contains(t, lines[2], "retrying")
	assert.Contains(t, lines[5], "total")
	assert.Contains(t, lines[5], "5")
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"debug", false, slog.LevelDebug},
		{"warn", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"error", true, slog.LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, logLevel(tt.level, tt.debug), "level=%q debug=%v", tt.level, tt.debug)
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "retry", "sweep", "migrate"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(jsonHandler(&buf, slog.LevelInfo))
	log.Debug("Hidden")
	log.Info("Sweep completed", "eligible", 2)

	var line map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Sweep completed", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.EqualValues(t, 2, line["eligible"])
}
