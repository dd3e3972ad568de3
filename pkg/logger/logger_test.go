package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_TextFormatSortsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithConfig(Config{Level: DEBUG, Output: &buf})

	log.WithField("component", "invoker").Info("executing action", "action", "service", "args", []string{"status", "tor"})

	line := buf.String()
	assert.Contains(t, line, "[INFO] executing action |")
	assert.True(t, strings.Index(line, "action=") < strings.Index(line, "args="))
	assert.True(t, strings.Index(line, "args=") < strings.Index(line, "component="))
	assert.Contains(t, line, `args=["status" "tor"]`)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithConfig(Config{Level: WARN, Output: &buf})

	log.Info("hidden")
	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithConfig(Config{Level: INFO, Output: &buf})
	child := root.WithField("component", "lock")

	child.Debug("before")
	assert.Empty(t, buf.String())

	root.SetLevel(DEBUG)
	child.Debug("after")
	assert.Contains(t, buf.String(), "after")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithConfig(Config{Level: INFO, Output: &buf, Format: "json"})

	log.Error("unauthorized service", "service", "cron", "error", errors.New("denied"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "unauthorized service", entry["msg"])
	assert.Equal(t, "cron", entry["service"])
	assert.Equal(t, "denied", entry["error"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"loud", INFO, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
