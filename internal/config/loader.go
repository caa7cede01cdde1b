package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads global settings from file, environment, and flags.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new settings loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "TASKFACTORY"}
}

// NewLoaderWithViper creates a loader using an existing viper instance so CLI
// flag bindings participate in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "TASKFACTORY"}
}

// WithConfigFile sets an explicit settings file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads settings from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (TASKFACTORY_*)
// 3. Settings file (~/.taskfactory/settings.yaml)
// 4. Defaults
func (l *Loader) Load() (*Settings, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("settings")
		l.v.SetConfigType("yaml")
		if home, err := HomeDir(); err == nil {
			l.v.AddConfigPath(home)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading settings: %w", err)
		}
	}

	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	return &s, nil
}

func (l *Loader) setDefaults() {
	d := DefaultSettings()

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)

	l.v.SetDefault("agent.path", d.Agent.Path)
	l.v.SetDefault("agent.model", d.Agent.Model)

	l.v.SetDefault("queue.executing_limit", d.Queue.ExecutingLimit)
	l.v.SetDefault("queue.ready_limit", d.Queue.ReadyLimit)
	l.v.SetDefault("queue.planning_concurrency", d.Queue.PlanningConcurrency)

	l.v.SetDefault("guardrails.planning_timeout", d.Guardrails.PlanningTimeout)
	l.v.SetDefault("guardrails.execution_timeout", d.Guardrails.ExecutionTimeout)
	l.v.SetDefault("guardrails.max_tool_calls", d.Guardrails.MaxToolCalls)
	l.v.SetDefault("guardrails.no_first_event", d.Guardrails.NoFirstEvent)
	l.v.SetDefault("guardrails.stream_silence", d.Guardrails.StreamSilence)
	l.v.SetDefault("guardrails.post_tool_stall", d.Guardrails.PostToolStall)
	l.v.SetDefault("guardrails.max_turn_duration", d.Guardrails.MaxTurnDuration)

	l.v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
}

// ConfigFile returns the settings file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
