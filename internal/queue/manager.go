// Package queue schedules one workspace's tasks: promotions between phases,
// execution dispatch, and planning dispatch, all driven by coalesced kicks.
package queue

import (
	"context"
	"sync"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/supervisor"
	"github.com/taskfactory/factoryd/internal/taskstore"
	"github.com/taskfactory/factoryd/internal/workspace"
)

// ConfigSource exposes the workspace configuration to the queue. Start and
// Stop persist the queueProcessing toggle through it.
type ConfigSource interface {
	Config() (workspace.Config, error)
	SetQueueEnabled(enabled bool) error
}

// Status is the queue manager's current scheduling view.
type Status struct {
	Enabled   bool `json:"enabled"`
	Backlog   int  `json:"backlog"`
	Ready     int  `json:"ready"`
	Executing int  `json:"executing"`
	Parked    int  `json:"parked"`
	Planning  int  `json:"planning"`
}

// Manager owns scheduling for one workspace. Kicks are single-flight: a kick
// requested while a pass runs is coalesced into one rerun.
type Manager struct {
	ws       supervisor.WorkspaceRef
	store    *taskstore.Store
	registry *supervisor.Registry
	bus      *events.Bus
	cfg      ConfigSource
	global   config.QueueSettings
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	running    bool
	rerun      bool
	closed     bool
	lastStatus *Status
	wg         sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a queue manager for one workspace.
func NewManager(ws supervisor.WorkspaceRef, store *taskstore.Store, registry *supervisor.Registry, bus *events.Bus, cfg ConfigSource, global config.QueueSettings, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ws:       ws,
		store:    store,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		global:   global,
		logger:   logging.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithWorkspace(ws.ID)
	return m
}

// Start enables queue processing and kicks.
func (m *Manager) Start() error {
	if err := m.cfg.SetQueueEnabled(true); err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Stop disables queue processing. Running supervisors are left alone; no new
// work is started.
func (m *Manager) Stop() error {
	if err := m.cfg.SetQueueEnabled(false); err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Kick schedules a scheduling pass. At most one pass runs at a time; kicks
// during a running pass coalesce into a single rerun.
func (m *Manager) Kick() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.running {
		m.rerun = true
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			m.runPass(m.ctx)

			m.mu.Lock()
			if m.rerun && !m.closed {
				m.rerun = false
				m.mu.Unlock()
				continue
			}
			m.running = false
			m.mu.Unlock()
			return
		}
	}()
}

// GetStatus returns the latest computed scheduling view.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStatus == nil {
		return Status{}
	}
	return *m.lastStatus
}

// Close stops accepting kicks and waits for the in-flight pass.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// runPass executes one scheduling pass over a fresh task snapshot. Failures
// on individual tasks are logged and skipped; one bad task must not block
// the lane.
func (m *Manager) runPass(ctx context.Context) {
	cfg, err := m.cfg.Config()
	if err != nil {
		m.logger.Warn("queue pass skipped, config unavailable", "error", err)
		return
	}

	tasks, err := m.store.DiscoverTasks(ctx, m.ws.TasksDir, taskstore.ScopeActive)
	if err != nil {
		m.logger.Warn("queue pass skipped, snapshot failed", "error", err)
		return
	}

	if cfg.QueueProcessing.Enabled {
		tasks = m.promote(ctx, cfg, tasks)
		m.dispatch(ctx, cfg, tasks)
		m.dispatchPlanning(ctx, tasks)
	}

	m.publishStatus(cfg, tasks)
}

func (m *Manager) promote(ctx context.Context, cfg workspace.Config, tasks []*core.Task) []*core.Task {
	if cfg.WorkflowAutomation.BacklogToReady {
		readyCap := m.readyLimit(cfg)
		for i, task := range tasks {
			if task.Phase() != core.PhaseBacklog {
				continue
			}
			if task.Frontmatter.PlanningStatus != core.PlanningCompleted || !task.HasCriteria() {
				continue
			}
			if readyCap > 0 && countPhase(tasks, core.PhaseReady) >= readyCap {
				break
			}
			moved, err := m.store.MoveTaskToPhase(ctx, task, core.PhaseReady, core.ActorSystem, "auto-promoted", tasks)
			if err != nil {
				m.logger.Warn("promotion to ready failed", "task", string(task.ID()), "error", err)
				continue
			}
			tasks[i] = moved
			m.announceMove(moved, core.PhaseBacklog)
		}
	}

	if cfg.WorkflowAutomation.ReadyToExecuting {
		execCap := m.executingLimit(cfg)
		for i, task := range tasks {
			if task.Phase() != core.PhaseReady {
				continue
			}
			if countPhase(tasks, core.PhaseExecuting) >= execCap {
				break
			}
			moved, err := m.store.MoveTaskToPhase(ctx, task, core.PhaseExecuting, core.ActorSystem, "auto-promoted", tasks)
			if err != nil {
				m.logger.Warn("promotion to executing failed", "task", string(task.ID()), "error", err)
				continue
			}
			tasks[i] = moved
			m.announceMove(moved, core.PhaseReady)
		}
	}
	return tasks
}

// announceMove publishes with blocking delivery: phase transitions feed the
// telemetry rollup and must not be dropped under load.
func (m *Manager) announceMove(task *core.Task, from core.Phase) {
	m.bus.PublishPriority(events.NewTaskMovedEvent(m.ws.ID, task.ID(), from, task.Phase(), core.ActorSystem))
}

// dispatch starts supervisors for executing tasks that have none. Parked
// tasks, awaiting user input, are skipped until a user action clears them.
func (m *Manager) dispatch(ctx context.Context, cfg workspace.Config, tasks []*core.Task) {
	execCap := m.executingLimit(cfg)
	for _, task := range tasks {
		if m.registry.CountExecutions(m.ws.ID) >= execCap {
			return
		}
		if task.Phase() != core.PhaseExecuting {
			continue
		}
		if task.Frontmatter.AwaitingUserInput {
			continue
		}
		if _, live := m.registry.Active(task.ID()); live {
			continue
		}
		if _, err := m.registry.Start(ctx, m.ws, task, supervisor.ModeExecution); err != nil {
			m.logger.Warn("execution dispatch failed", "task", string(task.ID()), "error", err)
		}
	}
}

// dispatchPlanning starts planning runs for unplanned backlog tasks, bounded
// by the per-workspace planning concurrency.
func (m *Manager) dispatchPlanning(ctx context.Context, tasks []*core.Task) {
	limit := m.global.PlanningConcurrency
	if limit <= 0 {
		limit = 1
	}
	for _, task := range tasks {
		if m.registry.CountPlannings(m.ws.ID) >= limit {
			return
		}
		if task.Phase() != core.PhaseBacklog {
			continue
		}
		if task.Frontmatter.PlanningStatus != core.PlanningNone {
			continue
		}
		if task.Description == "" || task.NoPlanMode() {
			continue
		}
		if _, live := m.registry.Active(task.ID()); live {
			continue
		}
		if _, err := m.registry.Start(ctx, m.ws, task, supervisor.ModePlanning); err != nil {
			m.logger.Warn("planning dispatch failed", "task", string(task.ID()), "error", err)
		}
	}
}

func (m *Manager) publishStatus(cfg workspace.Config, tasks []*core.Task) {
	status := Status{
		Enabled:  cfg.QueueProcessing.Enabled,
		Planning: m.registry.CountPlannings(m.ws.ID),
	}
	for _, task := range tasks {
		switch task.Phase() {
		case core.PhaseBacklog:
			status.Backlog++
		case core.PhaseReady:
			status.Ready++
		case core.PhaseExecuting:
			status.Executing++
			if _, live := m.registry.Active(task.ID()); !live {
				status.Parked++
			}
		}
	}

	m.mu.Lock()
	changed := m.lastStatus == nil || *m.lastStatus != status
	m.lastStatus = &status
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.NewQueueStatusEvent(m.ws.ID, status.Enabled,
			status.Backlog, status.Ready, status.Executing, status.Parked, status.Planning))
	}
}

func (m *Manager) readyLimit(cfg workspace.Config) int {
	if cfg.WIPLimits.Ready != nil {
		return *cfg.WIPLimits.Ready
	}
	return m.global.ReadyLimit
}

func (m *Manager) executingLimit(cfg workspace.Config) int {
	if cfg.WIPLimits.Executing != nil {
		return *cfg.WIPLimits.Executing
	}
	if m.global.ExecutingLimit > 0 {
		return m.global.ExecutingLimit
	}
	return 1
}

func countPhase(tasks []*core.Task, phase core.Phase) int {
	n := 0
	for _, t := range tasks {
		if t.Phase() == phase {
			n++
		}
	}
	return n
}
