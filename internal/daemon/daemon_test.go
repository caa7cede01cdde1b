package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/agent/agenttest"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/telemetry"
	"github.com/taskfactory/factoryd/internal/workspace"
)

type recordingKicker struct {
	mu    sync.Mutex
	kicks []string
}

func (r *recordingKicker) Kick(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicks = append(r.kicks, workspaceID)
}

func (r *recordingKicker) kicked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kicks...)
}

func TestWatcherKicksOnTaskFileChange(t *testing.T) {
	home := t.TempDir()
	registry, err := workspace.NewFileRegistry(
		workspace.WithFilePath(filepath.Join(home, workspace.RegistryFileName)))
	require.NoError(t, err)
	defer registry.Close()

	wsPath := filepath.Join(t.TempDir(), "demo-project")
	tasksDir := filepath.Join(wsPath, "tasks")
	require.NoError(t, os.MkdirAll(tasksDir, 0o750))
	ws, err := registry.Create(context.Background(), wsPath, "demo")
	require.NoError(t, err)

	kicker := &recordingKicker{}
	w := NewWatcher(registry, kicker, nil,
		WithWatchIntervals(50*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the first sync a moment to register the watch.
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(tasksDir, "DEMO-1"), 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(tasksDir, "DEMO-1", "task.yaml"), []byte("id: DEMO-1\n"), 0o600))

	require.Eventually(t, func() bool {
		for _, id := range kicker.kicked() {
			if id == ws.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	home := t.TempDir()
	registry, err := workspace.NewFileRegistry(
		workspace.WithFilePath(filepath.Join(home, workspace.RegistryFileName)))
	require.NoError(t, err)
	defer registry.Close()

	wsPath := filepath.Join(t.TempDir(), "demo-project")
	tasksDir := filepath.Join(wsPath, "tasks")
	require.NoError(t, os.MkdirAll(tasksDir, 0o750))
	ws, err := registry.Create(context.Background(), wsPath, "demo")
	require.NoError(t, err)

	kicker := &recordingKicker{}
	w := NewWatcher(registry, kicker, nil,
		WithWatchIntervals(50*time.Millisecond, 100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(150 * time.Millisecond)

	// A burst of writes within the debounce window collapses to one kick.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(
			filepath.Join(tasksDir, "note.yaml"), []byte("touch\n"), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(kicker.kicked()) >= 1
	}, 3*time.Second, 25*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, kicker.kicked(), 1)
	assert.Equal(t, ws.ID, kicker.kicked()[0])
}

func TestDaemonRunAndShutdown(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFACTORY_HOME", home)

	settings := config.DefaultSettings()
	settings.Server.Port = 0 // ephemeral port

	engine := &agenttest.Engine{
		EmitTurnEndOnAbort: true,
		Script: func(int, string) []agent.Event {
			return agenttest.TextTurn("ok", nil)
		},
	}
	d, err := New(settings, engine, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	// Let the listener and watcher come up, then stop.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	// Telemetry store was created under the factory home.
	_, statErr := os.Stat(filepath.Join(home, telemetry.DBFileName))
	assert.NoError(t, statErr)
}

func TestDaemonTelemetryDisabled(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFACTORY_HOME", home)

	settings := config.DefaultSettings()
	settings.Telemetry.Enabled = false
	settings.Server.Port = 0

	d, err := New(settings, &agenttest.Engine{}, nil)
	require.NoError(t, err)
	assert.Nil(t, d.telemetry)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	_, statErr := os.Stat(filepath.Join(home, telemetry.DBFileName))
	assert.True(t, os.IsNotExist(statErr))
}
