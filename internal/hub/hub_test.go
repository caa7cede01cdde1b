package hub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent/agenttest"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/taskstore"
	"github.com/taskfactory/factoryd/internal/workspace"
)

type hubFixture struct {
	hub      *Hub
	registry *workspace.FileRegistry
	bus      *events.Bus
	wsID     string
	wsPath   string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	home := t.TempDir()
	registry, err := workspace.NewFileRegistry(
		workspace.WithFilePath(filepath.Join(home, workspace.RegistryFileName)))
	require.NoError(t, err)

	wsPath := filepath.Join(t.TempDir(), "demo-project")
	require.NoError(t, os.MkdirAll(wsPath, 0o750))
	ws, err := registry.Create(context.Background(), wsPath, "demo")
	require.NoError(t, err)

	bus := events.NewBus(100)
	bcast := activity.NewBroadcaster(func(id string) (string, error) {
		got, err := registry.Get(context.Background(), id)
		if err != nil {
			return "", err
		}
		return got.ArtifactRoot, nil
	})

	h := New(Deps{
		Registry: registry,
		Engine:   &agenttest.Engine{EmitTurnEndOnAbort: true},
		Activity: bcast,
		Bus:      bus,
		Settings: config.DefaultSettings(),
	})

	t.Cleanup(func() {
		h.Close()
		_ = bcast.Close()
		bus.Close()
		_ = registry.Close()
	})
	return &hubFixture{hub: h, registry: registry, bus: bus, wsID: ws.ID, wsPath: wsPath}
}

func TestRuntimeBuiltOncePerWorkspace(t *testing.T) {
	f := newHubFixture(t)

	rt1, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)
	rt2, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)
	assert.Same(t, rt1, rt2)

	assert.Equal(t, f.wsID, rt1.Ref.ID)
	assert.Equal(t, filepath.Join(f.wsPath, "tasks"), rt1.Ref.TasksDir)
	assert.Len(t, f.hub.Active(), 1)
}

func TestRuntimeUnknownWorkspace(t *testing.T) {
	f := newHubFixture(t)

	_, err := f.hub.Runtime(context.Background(), "nope")
	require.Error(t, err)
}

func TestFactoryControlBridgeTogglesQueue(t *testing.T) {
	f := newHubFixture(t)
	rt, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)

	require.NoError(t, rt.factoryControl("stop_queue", nil))
	cfg, err := rt.Config()
	require.NoError(t, err)
	assert.False(t, cfg.QueueProcessing.Enabled)

	require.NoError(t, rt.factoryControl("start_queue", nil))
	cfg, err = rt.Config()
	require.NoError(t, err)
	assert.True(t, cfg.QueueProcessing.Enabled)

	require.Error(t, rt.factoryControl("self_destruct", nil))
}

func TestNewTaskFormBridge(t *testing.T) {
	f := newHubFixture(t)
	rt, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)

	require.NoError(t, rt.manageNewTask("set", map[string]any{"title": "new thing"}))
	require.NoError(t, rt.manageNewTask("set", map[string]any{"description": "details"}))
	form := rt.NewTaskForm()
	assert.Equal(t, "new thing", form["title"])
	assert.Equal(t, "details", form["description"])

	require.NoError(t, rt.manageNewTask("clear", nil))
	assert.Empty(t, rt.NewTaskForm())

	require.Error(t, rt.manageNewTask("unknown", nil))
}

func TestKickReachesQueue(t *testing.T) {
	f := newHubFixture(t)
	rt, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)

	_, err = rt.Store.CreateTask(context.Background(), rt.Ref.TasksDir, taskstore.CreateTaskRequest{
		Title: "counted",
	})
	require.NoError(t, err)

	f.hub.Kick(f.wsID)
	require.Eventually(t, func() bool {
		return rt.Queue.GetStatus().Backlog == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdateConfigPersistsAndKicks(t *testing.T) {
	f := newHubFixture(t)
	rt, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)

	cfg, err := rt.Config()
	require.NoError(t, err)
	cfg.WorkflowAutomation.BacklogToReady = true
	require.NoError(t, rt.UpdateConfig(cfg))

	got, err := rt.Config()
	require.NoError(t, err)
	assert.True(t, got.WorkflowAutomation.BacklogToReady)
}

func TestDropTearsRuntimeDown(t *testing.T) {
	f := newHubFixture(t)
	rt, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)

	f.hub.Drop(f.wsID)
	assert.Empty(t, f.hub.Active())

	// A fresh runtime is built on the next request.
	rt2, err := f.hub.Runtime(context.Background(), f.wsID)
	require.NoError(t, err)
	assert.NotSame(t, rt, rt2)
}

func TestClosedHubRefusesRuntimes(t *testing.T) {
	f := newHubFixture(t)
	f.hub.Close()

	_, err := f.hub.Runtime(context.Background(), f.wsID)
	require.Error(t, err)
}
