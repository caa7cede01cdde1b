package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASKFACTORY_HOME", t.TempDir())

	s, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, 1, s.Queue.ExecutingLimit)
	assert.Equal(t, 0, s.Queue.ReadyLimit)
	assert.Equal(t, 30*time.Minute, s.Guardrails.PlanningTimeout)
	assert.Equal(t, 40, s.Guardrails.MaxToolCalls)
	assert.Equal(t, 20*time.Second, s.Guardrails.NoFirstEvent)
	assert.Equal(t, 60*time.Second, s.Guardrails.StreamSilence)
	assert.Equal(t, 120*time.Second, s.Guardrails.PostToolStall)
	assert.Equal(t, 600*time.Second, s.Guardrails.MaxTurnDuration)
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFACTORY_HOME", home)

	content := []byte("log:\n  level: debug\nqueue:\n  executing_limit: 3\n")
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), content, 0o600))

	s, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 3, s.Queue.ExecutingLimit)
	// Untouched keys keep defaults.
	assert.Equal(t, 1, s.Queue.PlanningConcurrency)
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFACTORY_HOME", home)
	t.Setenv("TASKFACTORY_LOG_LEVEL", "error")

	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), []byte("log:\n  level: debug\n"), 0o600))

	s, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "error", s.Log.Level)
}

func TestAtomicWriteReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	require.NoError(t, AtomicWrite(path, []byte("one")))
	require.NoError(t, AtomicWrite(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
