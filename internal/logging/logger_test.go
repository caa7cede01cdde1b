package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("engine auth", "key", "sk-ant-REDACTED")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["key"])
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.WithWorkspace("ws1").WithTask("DEMO-1").WithTurn("t-9").Debug("dispatch")

	line := buf.String()
	assert.Contains(t, line, `"workspace_id":"ws1"`)
	assert.Contains(t, line, `"task_id":"DEMO-1"`)
	assert.Contains(t, line, `"turn_id":"t-9"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "text", Output: &buf})

	log.Info("hidden")
	log.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestSanitizerPatterns(t *testing.T) {
	s := NewSanitizer()
	tests := []struct {
		name  string
		input string
	}{
		{"anthropic", "sk-ant-" + strings.Repeat("a", 44)},
		{"openai", "sk-" + strings.Repeat("b", 24)},
		{"github", "ghp_" + strings.Repeat("c", 36)},
		{"aws", "AKIA" + strings.Repeat("Q", 16)},
		{"bearer", "Bearer " + strings.Repeat("x", 24)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, s.Sanitize("value: "+tt.input), "[REDACTED]")
		})
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := NewNop()
	log.Info("ignored", "k", "v")
	log.WithTask("T-1").Error("also ignored")
}
