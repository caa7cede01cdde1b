// Package hub owns the per-workspace runtime state: task stores, queue
// managers, live supervisor registries, and planning sessions, keyed by
// workspace id. Nothing in the daemon reaches a workspace's moving parts
// except through its Runtime.
package hub

import (
	"context"
	"sync"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/attachments"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/planning"
	"github.com/taskfactory/factoryd/internal/queue"
	"github.com/taskfactory/factoryd/internal/supervisor"
	"github.com/taskfactory/factoryd/internal/taskstore"
	"github.com/taskfactory/factoryd/internal/workspace"
)

// Deps are the process-wide collaborators shared by every runtime.
type Deps struct {
	Registry workspace.Registry
	Engine   agent.Engine
	Activity *activity.Broadcaster
	Bus      *events.Bus
	Settings config.Settings
	Logger   *logging.Logger
}

// Hub hands out one Runtime per workspace, building them lazily.
type Hub struct {
	deps   Deps
	logger *logging.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
	closed   bool
}

// New creates the hub.
func New(deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		deps:     deps,
		logger:   logger,
		runtimes: make(map[string]*Runtime),
	}
}

// Runtime returns the live runtime for a workspace, creating it on first
// use.
func (h *Hub) Runtime(ctx context.Context, workspaceID string) (*Runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, core.ErrValidation("HUB_CLOSED", "daemon is shutting down")
	}
	if rt, ok := h.runtimes[workspaceID]; ok {
		return rt, nil
	}

	ws, err := h.deps.Registry.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	rt, err := h.buildRuntime(ws)
	if err != nil {
		return nil, err
	}
	h.runtimes[workspaceID] = rt
	return rt, nil
}

// Kick nudges a workspace's queue, building the runtime if needed.
func (h *Hub) Kick(workspaceID string) {
	rt, err := h.Runtime(context.Background(), workspaceID)
	if err != nil {
		h.logger.Warn("kick dropped", "workspace", workspaceID, "error", err)
		return
	}
	rt.Queue.Kick()
}

// Drop tears down the runtime for a workspace, typically on deletion. Live
// supervisors are aborted.
func (h *Hub) Drop(workspaceID string) {
	h.mu.Lock()
	rt, ok := h.runtimes[workspaceID]
	delete(h.runtimes, workspaceID)
	h.mu.Unlock()
	if ok {
		rt.close(h.logger)
	}
}

// Active returns the runtimes built so far.
func (h *Hub) Active() []*Runtime {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Runtime, 0, len(h.runtimes))
	for _, rt := range h.runtimes {
		out = append(out, rt)
	}
	return out
}

// Close tears down every runtime. Safe to call once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	runtimes := make([]*Runtime, 0, len(h.runtimes))
	for _, rt := range h.runtimes {
		runtimes = append(runtimes, rt)
	}
	h.runtimes = make(map[string]*Runtime)
	h.mu.Unlock()

	for _, rt := range runtimes {
		rt.close(h.logger)
	}
}

func (h *Hub) buildRuntime(ws *workspace.Workspace) (*Runtime, error) {
	cfgSource := &configSource{artifactRoot: ws.ArtifactRoot, workspacePath: ws.Path}
	cfg, err := cfgSource.Config()
	if err != nil {
		return nil, err
	}

	store := taskstore.NewStore(ws.Path, ws.ArtifactRoot,
		taskstore.WithStoreLogger(h.logger))
	wsRef := supervisor.WorkspaceRef{
		ID:       ws.ID,
		Path:     ws.Path,
		TasksDir: workspace.TaskDir(ws.Path, cfg.DefaultTaskLocation),
	}

	rt := &Runtime{
		Workspace:   ws.Clone(),
		Store:       store,
		Ref:         wsRef,
		Attachments: attachments.NewStore(ws.ArtifactRoot),
		cfg:         cfgSource,
		form:        make(map[string]any),
	}

	sessions := supervisor.NewRegistry(supervisor.Deps{
		Engine:      h.deps.Engine,
		Store:       store,
		Activity:    h.deps.Activity,
		Bus:         h.deps.Bus,
		Logger:      h.logger,
		Guardrails:  h.deps.Settings.Guardrails,
		RequestKick: func(string) { rt.Queue.Kick() },
	})
	rt.Sessions = sessions
	rt.Queue = queue.NewManager(wsRef, store, sessions, h.deps.Bus, cfgSource,
		h.deps.Settings.Queue, queue.WithManagerLogger(h.logger))
	rt.Planning = planning.NewSession(planning.WorkspaceRef{
		ID:           ws.ID,
		Path:         ws.Path,
		TasksDir:     wsRef.TasksDir,
		ArtifactRoot: ws.ArtifactRoot,
	}, planning.Deps{
		Engine:         h.deps.Engine,
		Store:          store,
		Bus:            h.deps.Bus,
		Logger:         h.logger,
		RequestKick:    rt.kickQueue,
		ManageNewTask:  rt.manageNewTask,
		FactoryControl: rt.factoryControl,
	})
	return rt, nil
}
