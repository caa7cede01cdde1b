package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskfactory/factoryd/internal/config"
)

// ConfigFileName is the workspace config file inside the artifact root.
const ConfigFileName = "factory.json"

// legacyConfigDirs are probed, in order, when factory.json is absent. The
// first hit is migrated in place into the artifact root.
var legacyConfigDirs = []string{".taskfactory", ".pi"}

// LoadConfig reads the workspace config from the artifact root, falling back
// to legacy locations under workspacePath and migrating them in place.
func LoadConfig(artifactRoot, workspacePath string) (Config, error) {
	path := filepath.Join(artifactRoot, ConfigFileName)
	if data, err := os.ReadFile(path); err == nil {
		return parseConfig(data)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	// Legacy fallback: probe older layouts and migrate on first read.
	for _, dir := range legacyConfigDirs {
		legacy := filepath.Join(workspacePath, dir, ConfigFileName)
		if legacy == path {
			continue
		}
		data, err := os.ReadFile(legacy)
		if err != nil {
			continue
		}
		cfg, err := parseConfig(data)
		if err != nil {
			return Config{}, fmt.Errorf("parsing legacy config %s: %w", legacy, err)
		}
		if err := WriteConfig(artifactRoot, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	// No config anywhere: write and return defaults.
	cfg := DefaultConfig()
	if err := WriteConfig(artifactRoot, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteConfig persists the workspace config durably.
func WriteConfig(artifactRoot string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWrite(filepath.Join(artifactRoot, ConfigFileName), data)
}

func parseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
