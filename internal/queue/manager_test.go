package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent/agenttest"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/supervisor"
	"github.com/taskfactory/factoryd/internal/taskstore"
	"github.com/taskfactory/factoryd/internal/workspace"
)

type stubConfig struct {
	mu  sync.Mutex
	cfg workspace.Config
}

func (s *stubConfig) Config() (workspace.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone(), nil
}

func (s *stubConfig) SetQueueEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.QueueProcessing.Enabled = enabled
	return nil
}

type queueFixture struct {
	engine  *agenttest.Engine
	store   *taskstore.Store
	reg     *supervisor.Registry
	bus     *events.Bus
	cfg     *stubConfig
	manager *Manager
	ws      supervisor.WorkspaceRef
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	wsPath := filepath.Join(t.TempDir(), "demo-project")
	require.NoError(t, os.MkdirAll(wsPath, 0o750))
	artifactRoot := filepath.Join(wsPath, ".taskfactory")
	require.NoError(t, os.MkdirAll(artifactRoot, 0o750))

	f := &queueFixture{
		// Sessions never emit events on their own; generous guardrails keep
		// dispatched supervisors alive while the test inspects state.
		engine: &agenttest.Engine{EmitTurnEndOnAbort: true},
		store:  taskstore.NewStore(wsPath, artifactRoot),
		bus:    events.NewBus(100),
		cfg:    &stubConfig{cfg: workspace.DefaultConfig()},
	}
	bcast := activity.NewBroadcaster(func(string) (string, error) {
		return artifactRoot, nil
	})

	f.ws = supervisor.WorkspaceRef{
		ID:       "ws-queue",
		Path:     wsPath,
		TasksDir: filepath.Join(wsPath, "tasks"),
	}
	guardrails := config.DefaultSettings().Guardrails
	f.reg = supervisor.NewRegistry(supervisor.Deps{
		Engine:     f.engine,
		Store:      f.store,
		Activity:   bcast,
		Bus:        f.bus,
		Guardrails: guardrails,
	})
	f.manager = NewManager(f.ws, f.store, f.reg, f.bus, f.cfg, config.DefaultSettings().Queue)

	t.Cleanup(func() {
		f.manager.Close()
		f.reg.AbortAll()
		_ = bcast.Close()
		f.bus.Close()
	})
	return f
}

func (f *queueFixture) createTask(t *testing.T, req taskstore.CreateTaskRequest) *core.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), f.ws.TasksDir, req)
	require.NoError(t, err)
	return task
}

func (f *queueFixture) move(t *testing.T, task *core.Task, phase core.Phase) *core.Task {
	t.Helper()
	moved, err := f.store.MoveTaskToPhase(context.Background(), task, phase, core.ActorUser, "", nil)
	require.NoError(t, err)
	return moved
}

func (f *queueFixture) kickAndSettle(t *testing.T) {
	t.Helper()
	f.manager.Kick()
	require.Eventually(t, func() bool {
		return f.manager.GetStatus() != Status{}
	}, 2*time.Second, 5*time.Millisecond)
	// Let the pass and any dispatched goroutines settle.
	time.Sleep(50 * time.Millisecond)
}

func (f *queueFixture) phases(t *testing.T) map[core.TaskID]core.Phase {
	t.Helper()
	tasks, err := f.store.DiscoverTasks(context.Background(), f.ws.TasksDir, taskstore.ScopeAll)
	require.NoError(t, err)
	out := make(map[core.TaskID]core.Phase, len(tasks))
	for _, task := range tasks {
		out[task.ID()] = task.Phase()
	}
	return out
}

func TestReadyPromotionRespectsExecutingWIP(t *testing.T) {
	f := newQueueFixture(t)
	f.cfg.cfg.WorkflowAutomation.ReadyToExecuting = true
	one := 1
	f.cfg.cfg.WIPLimits.Executing = &one

	a := f.createTask(t, taskstore.CreateTaskRequest{
		Title: "a", AcceptanceCriteria: []string{"done"}, PlanningSkipped: true,
	})
	b := f.createTask(t, taskstore.CreateTaskRequest{
		Title: "b", AcceptanceCriteria: []string{"done"}, PlanningSkipped: true,
	})
	f.move(t, a, core.PhaseReady)
	f.move(t, b, core.PhaseReady)

	f.kickAndSettle(t)

	phases := f.phases(t)
	executing := 0
	ready := 0
	for _, p := range phases {
		switch p {
		case core.PhaseExecuting:
			executing++
		case core.PhaseReady:
			ready++
		}
	}
	assert.Equal(t, 1, executing)
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, f.reg.CountExecutions(f.ws.ID))
}

func TestBacklogPromotionNeedsPlanAndCriteria(t *testing.T) {
	f := newQueueFixture(t)
	f.cfg.cfg.WorkflowAutomation.BacklogToReady = true

	planned := f.createTask(t, taskstore.CreateTaskRequest{
		Title: "planned", AcceptanceCriteria: []string{"done"},
	})
	completed := core.PlanningCompleted
	planned, err := f.store.UpdateTask(context.Background(), planned, taskstore.UpdateTaskRequest{
		PlanningStatus: &completed,
	})
	require.NoError(t, err)

	unplanned := f.createTask(t, taskstore.CreateTaskRequest{
		Title: "unplanned", AcceptanceCriteria: []string{"done"},
	})

	f.kickAndSettle(t)

	phases := f.phases(t)
	assert.Equal(t, core.PhaseReady, phases[planned.ID()])
	assert.Equal(t, core.PhaseBacklog, phases[unplanned.ID()])
}

func TestDisabledQueueStartsNothing(t *testing.T) {
	f := newQueueFixture(t)
	f.cfg.cfg.QueueProcessing.Enabled = false
	f.cfg.cfg.WorkflowAutomation.ReadyToExecuting = true

	task := f.createTask(t, taskstore.CreateTaskRequest{
		Title: "idle", AcceptanceCriteria: []string{"done"}, PlanningSkipped: true,
	})
	f.move(t, task, core.PhaseReady)

	f.kickAndSettle(t)

	phases := f.phases(t)
	assert.Equal(t, core.PhaseReady, phases[task.ID()])
	assert.Equal(t, 0, f.reg.CountExecutions(f.ws.ID))
	assert.False(t, f.manager.GetStatus().Enabled)
}

func TestParkedTaskIsSkipped(t *testing.T) {
	f := newQueueFixture(t)

	task := f.createTask(t, taskstore.CreateTaskRequest{Title: "parked", PlanningSkipped: true})
	task = f.move(t, task, core.PhaseExecuting)
	parked := true
	_, err := f.store.UpdateTask(context.Background(), task, taskstore.UpdateTaskRequest{
		AwaitingUserInput: &parked,
	})
	require.NoError(t, err)

	f.kickAndSettle(t)

	assert.Equal(t, 0, f.reg.CountExecutions(f.ws.ID))
	status := f.manager.GetStatus()
	assert.Equal(t, 1, status.Executing)
	assert.Equal(t, 1, status.Parked)
}

func TestExecutingTaskGetsSupervisor(t *testing.T) {
	f := newQueueFixture(t)

	task := f.createTask(t, taskstore.CreateTaskRequest{Title: "go", PlanningSkipped: true})
	f.move(t, task, core.PhaseExecuting)

	f.kickAndSettle(t)

	_, live := f.reg.Active(task.ID())
	assert.True(t, live)
	assert.Equal(t, 1, f.reg.CountExecutions(f.ws.ID))
}

func TestPlanningDispatchBounded(t *testing.T) {
	f := newQueueFixture(t)

	f.createTask(t, taskstore.CreateTaskRequest{Title: "p1", Description: "plan me"})
	f.createTask(t, taskstore.CreateTaskRequest{Title: "p2", Description: "plan me too"})

	f.kickAndSettle(t)

	// Default planning concurrency is 1.
	assert.Equal(t, 1, f.reg.CountPlannings(f.ws.ID))
}

func TestQueueStatusEventOnChange(t *testing.T) {
	f := newQueueFixture(t)
	statusCh := f.bus.Subscribe(events.TypeQueueStatus)

	f.createTask(t, taskstore.CreateTaskRequest{Title: "counted"})
	f.manager.Kick()

	select {
	case ev := <-statusCh:
		status, ok := ev.(events.QueueStatusEvent)
		require.True(t, ok)
		assert.Equal(t, 1, status.Backlog)
		assert.True(t, status.Enabled)
	case <-time.After(2 * time.Second):
		t.Fatal("no queue:status event")
	}
}

func TestStartStopTogglePersistedFlag(t *testing.T) {
	f := newQueueFixture(t)

	require.NoError(t, f.manager.Stop())
	cfg, err := f.cfg.Config()
	require.NoError(t, err)
	assert.False(t, cfg.QueueProcessing.Enabled)

	require.NoError(t, f.manager.Start())
	cfg, err = f.cfg.Config()
	require.NoError(t, err)
	assert.True(t, cfg.QueueProcessing.Enabled)
}

func TestKicksCoalesce(t *testing.T) {
	f := newQueueFixture(t)
	f.createTask(t, taskstore.CreateTaskRequest{Title: "noop"})

	for i := 0; i < 20; i++ {
		f.manager.Kick()
	}
	require.Eventually(t, func() bool {
		return f.manager.GetStatus().Backlog == 1
	}, 2*time.Second, 5*time.Millisecond)
}
