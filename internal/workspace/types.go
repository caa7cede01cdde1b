package workspace

import (
	"path/filepath"
	"time"
)

// Workspace is one registered project directory with its factory state.
type Workspace struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	ArtifactRoot string    `json:"artifactRoot"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Clone returns a copy of the workspace.
func (w *Workspace) Clone() *Workspace {
	c := *w
	return &c
}

// WIPLimits caps the per-phase lanes. Nil means unbounded (the global
// settings default still applies to executing).
type WIPLimits struct {
	Ready     *int `json:"ready,omitempty"`
	Executing *int `json:"executing,omitempty"`
}

// QueueProcessing toggles dispatch without tearing the queue manager down.
type QueueProcessing struct {
	Enabled bool `json:"enabled"`
}

// WorkflowAutomation controls automatic phase promotion.
type WorkflowAutomation struct {
	BacklogToReady   bool `json:"backlogToReady"`
	ReadyToExecuting bool `json:"readyToExecuting"`
}

// GitIntegration is presentational metadata; the core never enforces it.
type GitIntegration struct {
	Enabled    bool   `json:"enabled"`
	BranchFrom string `json:"branchFrom,omitempty"`
}

// Config is the per-workspace configuration stored in factory.json.
type Config struct {
	TaskLocations       []string           `json:"taskLocations"`
	DefaultTaskLocation string             `json:"defaultTaskLocation"`
	WIPLimits           WIPLimits          `json:"wipLimits"`
	QueueProcessing     QueueProcessing    `json:"queueProcessing"`
	WorkflowAutomation  WorkflowAutomation `json:"workflowAutomation"`
	GitIntegration      GitIntegration     `json:"gitIntegration"`
}

// TaskDir resolves a configured task location against the workspace path.
// Absolute locations are used as-is.
func TaskDir(workspacePath, location string) string {
	if filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(workspacePath, location)
}

// DefaultConfig returns the configuration written on workspace creation.
func DefaultConfig() Config {
	return Config{
		TaskLocations:       []string{"tasks"},
		DefaultTaskLocation: "tasks",
		QueueProcessing:     QueueProcessing{Enabled: true},
		WorkflowAutomation:  WorkflowAutomation{BacklogToReady: false, ReadyToExecuting: false},
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if len(c.TaskLocations) == 0 {
		return errConfig("taskLocations cannot be empty")
	}
	found := false
	for _, loc := range c.TaskLocations {
		if loc == c.DefaultTaskLocation {
			found = true
			break
		}
	}
	if !found {
		return errConfig("defaultTaskLocation must be one of taskLocations")
	}
	if c.WIPLimits.Ready != nil && *c.WIPLimits.Ready < 0 {
		return errConfig("wipLimits.ready cannot be negative")
	}
	if c.WIPLimits.Executing != nil && *c.WIPLimits.Executing < 1 {
		return errConfig("wipLimits.executing must be at least 1")
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.TaskLocations = append([]string(nil), c.TaskLocations...)
	if c.WIPLimits.Ready != nil {
		v := *c.WIPLimits.Ready
		out.WIPLimits.Ready = &v
	}
	if c.WIPLimits.Executing != nil {
		v := *c.WIPLimits.Executing
		out.WIPLimits.Executing = &v
	}
	return out
}
