package config

import (
	"os"
	"path/filepath"
	"time"
)

// Settings holds daemon-wide configuration. Workspace config overrides these
// defaults; task fields override workspace config.
type Settings struct {
	Log        LogSettings       `mapstructure:"log"`
	Server     ServerSettings    `mapstructure:"server"`
	Agent      AgentSettings     `mapstructure:"agent"`
	Queue      QueueSettings     `mapstructure:"queue"`
	Guardrails GuardrailSettings `mapstructure:"guardrails"`
	Telemetry  TelemetrySettings `mapstructure:"telemetry"`
}

// LogSettings configures daemon logging.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AgentSettings configures the external coding-agent CLI.
type AgentSettings struct {
	// Path is the agent binary; resolved through PATH when not absolute.
	Path string `mapstructure:"path"`
	// Args precede the per-session flags.
	Args []string `mapstructure:"args"`
	// Model is the default model id; empty uses the agent's default.
	Model string `mapstructure:"model"`
}

// QueueSettings holds global scheduling defaults.
type QueueSettings struct {
	// ExecutingLimit is the default executing WIP cap when a workspace sets none.
	ExecutingLimit int `mapstructure:"executing_limit"`
	// ReadyLimit caps the ready lane globally; 0 means unbounded.
	ReadyLimit int `mapstructure:"ready_limit"`
	// PlanningConcurrency bounds concurrent planning runs per workspace.
	PlanningConcurrency int `mapstructure:"planning_concurrency"`
}

// GuardrailSettings holds supervisor guardrail defaults.
type GuardrailSettings struct {
	PlanningTimeout  time.Duration `mapstructure:"planning_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	MaxToolCalls     int           `mapstructure:"max_tool_calls"`
	NoFirstEvent     time.Duration `mapstructure:"no_first_event"`
	StreamSilence    time.Duration `mapstructure:"stream_silence"`
	PostToolStall    time.Duration `mapstructure:"post_tool_stall"`
	MaxTurnDuration  time.Duration `mapstructure:"max_turn_duration"`
}

// TelemetrySettings configures the sqlite rollup store.
type TelemetrySettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Log:    LogSettings{Level: "info", Format: "auto"},
		Server: ServerSettings{Host: "127.0.0.1", Port: 4477},
		Agent:  AgentSettings{Path: "agent"},
		Queue: QueueSettings{
			ExecutingLimit:      1,
			ReadyLimit:          0,
			PlanningConcurrency: 1,
		},
		Guardrails: GuardrailSettings{
			PlanningTimeout:  30 * time.Minute,
			ExecutionTimeout: 30 * time.Minute,
			MaxToolCalls:     40,
			NoFirstEvent:     20 * time.Second,
			StreamSilence:    60 * time.Second,
			PostToolStall:    120 * time.Second,
			MaxTurnDuration:  600 * time.Second,
		},
		Telemetry: TelemetrySettings{Enabled: true},
	}
}

// HomeDir returns the Task Factory home directory (~/.taskfactory),
// creating it if needed. TASKFACTORY_HOME overrides the location.
func HomeDir() (string, error) {
	if dir := os.Getenv("TASKFACTORY_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0o750)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".taskfactory")
	return dir, os.MkdirAll(dir, 0o750)
}
