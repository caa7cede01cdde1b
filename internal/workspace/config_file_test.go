package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaultsWhenAbsent(t *testing.T) {
	wsPath := t.TempDir()
	artifactRoot := filepath.Join(wsPath, ".taskfactory")

	cfg, err := LoadConfig(artifactRoot, wsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks"}, cfg.TaskLocations)
	assert.True(t, cfg.QueueProcessing.Enabled)
	assert.FileExists(t, filepath.Join(artifactRoot, ConfigFileName))
}

func TestLoadConfigMigratesLegacyLocation(t *testing.T) {
	wsPath := t.TempDir()
	artifactRoot := filepath.Join(wsPath, "artifacts")

	legacyDir := filepath.Join(wsPath, ".pi")
	require.NoError(t, os.MkdirAll(legacyDir, 0o750))
	legacy := `{"taskLocations":["work"],"defaultTaskLocation":"work","queueProcessing":{"enabled":false}}`
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, ConfigFileName), []byte(legacy), 0o600))

	cfg, err := LoadConfig(artifactRoot, wsPath)
	require.NoError(t, err)
	assert.Equal(t, "work", cfg.DefaultTaskLocation)
	assert.False(t, cfg.QueueProcessing.Enabled)
	// Migrated in place.
	assert.FileExists(t, filepath.Join(artifactRoot, ConfigFileName))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.DefaultTaskLocation = "elsewhere"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	bad := -1
	cfg.WIPLimits.Ready = &bad
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	zero := 0
	cfg.WIPLimits.Executing = &zero
	assert.Error(t, cfg.Validate())
}

func TestConfigCloneIsDeep(t *testing.T) {
	one := 1
	cfg := DefaultConfig()
	cfg.WIPLimits.Executing = &one

	clone := cfg.Clone()
	*clone.WIPLimits.Executing = 5
	clone.TaskLocations[0] = "other"

	assert.Equal(t, 1, *cfg.WIPLimits.Executing)
	assert.Equal(t, "tasks", cfg.TaskLocations[0])
}

func TestTaskDirHonorsAbsoluteLocations(t *testing.T) {
	assert.Equal(t, filepath.Join("/srv/proj", "tasks"), TaskDir("/srv/proj", "tasks"))

	abs := t.TempDir()
	assert.Equal(t, abs, TaskDir("/srv/proj", abs))
}
