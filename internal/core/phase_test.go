package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseBacklog, PhaseReady, true},
		{PhaseBacklog, PhaseExecuting, true},
		{PhaseBacklog, PhaseComplete, true},
		{PhaseBacklog, PhaseArchived, true},
		{PhaseBacklog, PhaseBacklog, false},
		{PhaseReady, PhaseBacklog, true},
		{PhaseReady, PhaseExecuting, true},
		{PhaseReady, PhaseComplete, false},
		{PhaseReady, PhaseArchived, true},
		{PhaseExecuting, PhaseBacklog, true},
		{PhaseExecuting, PhaseReady, true},
		{PhaseExecuting, PhaseComplete, true},
		{PhaseExecuting, PhaseArchived, true},
		{PhaseComplete, PhaseReady, true},
		{PhaseComplete, PhaseExecuting, true},
		{PhaseComplete, PhaseArchived, true},
		{PhaseComplete, PhaseBacklog, false},
		{PhaseArchived, PhaseBacklog, true},
		{PhaseArchived, PhaseComplete, true},
		{PhaseArchived, PhaseReady, false},
		{PhaseArchived, PhaseExecuting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransitionAllowed(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("ready")
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, p)

	_, err = ParsePhase("planning")
	assert.Error(t, err)
}

func TestNormalizeLegacyPhase(t *testing.T) {
	p, migrated := NormalizeLegacyPhase("executing")
	assert.Equal(t, PhaseExecuting, p)
	assert.False(t, migrated)

	p, migrated = NormalizeLegacyPhase("planning")
	assert.Equal(t, PhaseBacklog, p)
	assert.True(t, migrated)

	p, migrated = NormalizeLegacyPhase("wrapup")
	assert.Equal(t, PhaseBacklog, p)
	assert.True(t, migrated)

	p, migrated = NormalizeLegacyPhase("done")
	assert.Equal(t, PhaseComplete, p)
	assert.True(t, migrated)
}

func TestPrefixForWorkspace(t *testing.T) {
	assert.Equal(t, "DEMO", PrefixForWorkspace("demo"))
	assert.Equal(t, "MYPR", PrefixForWorkspace("my-project"))
	assert.Equal(t, "AB", PrefixForWorkspace("a1b2"))
	assert.Equal(t, "TASK", PrefixForWorkspace("1234"))
	assert.Equal(t, "TASK", PrefixForWorkspace(""))
}
