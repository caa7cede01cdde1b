package hub

import (
	"sync"

	"github.com/taskfactory/factoryd/internal/attachments"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/planning"
	"github.com/taskfactory/factoryd/internal/queue"
	"github.com/taskfactory/factoryd/internal/supervisor"
	"github.com/taskfactory/factoryd/internal/taskstore"
	"github.com/taskfactory/factoryd/internal/workspace"
)

// Runtime bundles everything live for one workspace.
type Runtime struct {
	Workspace   *workspace.Workspace
	Store       *taskstore.Store
	Ref         supervisor.WorkspaceRef
	Queue       *queue.Manager
	Sessions    *supervisor.Registry
	Planning    *planning.Session
	Attachments *attachments.Store

	cfg *configSource

	formMu sync.Mutex
	form   map[string]any
}

// Config returns the workspace configuration.
func (rt *Runtime) Config() (workspace.Config, error) {
	return rt.cfg.Config()
}

// UpdateConfig persists a new workspace configuration and kicks the queue,
// since WIP limits or automation flags may have changed eligibility.
func (rt *Runtime) UpdateConfig(cfg workspace.Config) error {
	if err := rt.cfg.Update(cfg); err != nil {
		return err
	}
	rt.Queue.Kick()
	return nil
}

// NewTaskForm returns a snapshot of the in-progress new-task form.
func (rt *Runtime) NewTaskForm() map[string]any {
	rt.formMu.Lock()
	defer rt.formMu.Unlock()
	out := make(map[string]any, len(rt.form))
	for k, v := range rt.form {
		out[k] = v
	}
	return out
}

func (rt *Runtime) kickQueue() {
	rt.Queue.Kick()
}

// manageNewTask is the planning-session bridge mutating the new-task form.
func (rt *Runtime) manageNewTask(action string, payload map[string]any) error {
	rt.formMu.Lock()
	defer rt.formMu.Unlock()
	switch action {
	case "set":
		for k, v := range payload {
			rt.form[k] = v
		}
	case "clear":
		rt.form = make(map[string]any)
	default:
		return core.ErrValidation("UNKNOWN_FORM_ACTION", "unknown new-task form action: "+action)
	}
	return nil
}

// factoryControl is the planning-session bridge for queue control actions.
func (rt *Runtime) factoryControl(action string, _ map[string]any) error {
	switch action {
	case "start_queue":
		return rt.Queue.Start()
	case "stop_queue":
		return rt.Queue.Stop()
	case "kick_queue":
		rt.Queue.Kick()
		return nil
	default:
		return core.ErrValidation("UNKNOWN_CONTROL_ACTION", "unknown factory control action: "+action)
	}
}

func (rt *Runtime) close(logger *logging.Logger) {
	rt.Queue.Close()
	rt.Sessions.AbortAll()
	if err := rt.Planning.Close(); err != nil {
		logger.Warn("planning session close failed",
			"workspace", rt.Workspace.ID, "error", err)
	}
}

// configSource serves the workspace config from factory.json, serialising
// read-modify-write cycles.
type configSource struct {
	mu            sync.Mutex
	artifactRoot  string
	workspacePath string
}

func (c *configSource) Config() (workspace.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return workspace.LoadConfig(c.artifactRoot, c.workspacePath)
}

func (c *configSource) Update(cfg workspace.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return workspace.WriteConfig(c.artifactRoot, cfg)
}

func (c *configSource) SetQueueEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, err := workspace.LoadConfig(c.artifactRoot, c.workspacePath)
	if err != nil {
		return err
	}
	cfg.QueueProcessing.Enabled = enabled
	return workspace.WriteConfig(c.artifactRoot, cfg)
}
