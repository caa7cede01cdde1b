package taskstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/core"
)

type storeFixture struct {
	store    *Store
	tasksDir string
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	wsPath := filepath.Join(t.TempDir(), "demo-project")
	require.NoError(t, os.MkdirAll(wsPath, 0o750))
	artifactRoot := filepath.Join(wsPath, ".taskfactory")
	require.NoError(t, os.MkdirAll(artifactRoot, 0o750))
	return &storeFixture{
		store:    NewStore(wsPath, artifactRoot),
		tasksDir: filepath.Join(wsPath, "tasks"),
	}
}

func (f *storeFixture) create(t *testing.T, req CreateTaskRequest) *core.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), f.tasksDir, req)
	require.NoError(t, err)
	return task
}

func TestCreateTaskAssignsSequentialIDs(t *testing.T) {
	f := newStoreFixture(t)

	first := f.create(t, CreateTaskRequest{Title: "first"})
	second := f.create(t, CreateTaskRequest{Title: "second"})

	assert.Equal(t, core.TaskID("DEMO-1"), first.ID())
	assert.Equal(t, core.TaskID("DEMO-2"), second.ID())
	assert.Equal(t, core.PhaseBacklog, first.Phase())
	assert.FileExists(t, filepath.Join(f.tasksDir, "DEMO-2", TaskFileName))
}

func TestCreateTaskInsertsAtColumnHead(t *testing.T) {
	f := newStoreFixture(t)

	first := f.create(t, CreateTaskRequest{Title: "first"})
	second := f.create(t, CreateTaskRequest{Title: "second"})

	assert.Equal(t, 0, first.Frontmatter.Order)
	assert.Equal(t, -1, second.Frontmatter.Order)
}

func TestIDsNeverReusedAfterDelete(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "short lived"})
	require.NoError(t, f.store.DeleteTask(ctx, task))

	next := f.create(t, CreateTaskRequest{Title: "successor"})
	assert.Equal(t, core.TaskID("DEMO-2"), next.ID())
}

func TestCounterRecoveredFromDiskScan(t *testing.T) {
	f := newStoreFixture(t)

	f.create(t, CreateTaskRequest{Title: "first"})

	// A lost counter file must not cause ID reuse.
	counterPath := filepath.Join(f.store.artifactRoot, CounterFileName)
	require.NoError(t, os.Remove(counterPath))

	next := f.create(t, CreateTaskRequest{Title: "second"})
	assert.Equal(t, core.TaskID("DEMO-2"), next.ID())

	data, err := os.ReadFile(counterPath)
	require.NoError(t, err)
	var cf counterFile
	require.NoError(t, json.Unmarshal(data, &cf))
	assert.Equal(t, 2, cf.Counter)
}

func TestMoveRequiresCriteriaForReady(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "no criteria"})
	_, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseReady, core.ActorUser, "", nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatInvalidTransition))

	check := f.store.CanMoveToPhase(task, core.PhaseReady)
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "acceptance criterion")
}

func TestMoveDirectToExecutingRequiresCriteriaUnlessNoPlan(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	bare := f.create(t, CreateTaskRequest{Title: "bare"})
	_, err := f.store.MoveTaskToPhase(ctx, bare, core.PhaseExecuting, core.ActorUser, "", nil)
	assert.True(t, core.IsCategory(err, core.ErrCatInvalidTransition))

	skipped := f.create(t, CreateTaskRequest{Title: "skipped", PlanningSkipped: true})
	moved, err := f.store.MoveTaskToPhase(ctx, skipped, core.PhaseExecuting, core.ActorUser, "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseExecuting, moved.Phase())
	require.NotNil(t, moved.Frontmatter.Started)
}

func TestMoveBlockedWhilePlanningRuns(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{
		Title:              "planned",
		AcceptanceCriteria: []string{"it works"},
	})
	running := core.PlanningRunning
	task, err := f.store.UpdateTask(ctx, task, UpdateTaskRequest{PlanningStatus: &running})
	require.NoError(t, err)

	check := f.store.CanMoveToPhase(task, core.PhaseExecuting)
	assert.False(t, check.Allowed)
	assert.Contains(t, check.Reason, "planning")
}

func TestMoveCompleteRecordsTimes(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{
		Title:              "timed",
		AcceptanceCriteria: []string{"done"},
	})
	task, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseReady, core.ActorUser, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseExecuting, core.ActorSystem, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseComplete, core.ActorAgent, "", nil)
	require.NoError(t, err)

	require.NotNil(t, task.Frontmatter.Completed)
	require.NotNil(t, task.Frontmatter.CycleTime)
	require.NotNil(t, task.Frontmatter.LeadTime)
	assert.Len(t, task.History, 3)
}

func TestReopenClearsCompletionMetadata(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{
		Title:              "reopened",
		AcceptanceCriteria: []string{"done"},
	})
	task, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseExecuting, core.ActorUser, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseComplete, core.ActorAgent, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseReady, core.ActorUser, "needs rework", nil)
	require.NoError(t, err)

	assert.Nil(t, task.Frontmatter.Completed)
	assert.Nil(t, task.Frontmatter.Started)
	assert.Nil(t, task.Frontmatter.CycleTime)
	assert.Nil(t, task.Frontmatter.LeadTime)
}

func TestRestoreFromArchivePreservesCompletion(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{
		Title:              "archived and back",
		AcceptanceCriteria: []string{"done"},
	})
	task, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseExecuting, core.ActorUser, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseComplete, core.ActorAgent, "", nil)
	require.NoError(t, err)
	completedAt := *task.Frontmatter.Completed

	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseArchived, core.ActorUser, "", nil)
	require.NoError(t, err)
	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseComplete, core.ActorUser, "", nil)
	require.NoError(t, err)

	require.NotNil(t, task.Frontmatter.Completed)
	assert.True(t, task.Frontmatter.Completed.Equal(completedAt))
}

func TestArchiveSnapshotsConversation(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	sessionFile := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(sessionFile, []byte(`{"role":"user"}`+"\n"), 0o600))

	task := f.create(t, CreateTaskRequest{Title: "with session"})
	task, err := f.store.UpdateTask(ctx, task, UpdateTaskRequest{SessionFile: &sessionFile})
	require.NoError(t, err)

	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseArchived, core.ActorUser, "", nil)
	require.NoError(t, err)

	snapshot := filepath.Join(filepath.Dir(task.FilePath), ArchiveFileName)
	data, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"user"`)
}

func TestLeavingExecutingClearsPark(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "parked", PlanningSkipped: true})
	task, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseExecuting, core.ActorSystem, "", nil)
	require.NoError(t, err)

	parked := true
	task, err = f.store.UpdateTask(ctx, task, UpdateTaskRequest{AwaitingUserInput: &parked})
	require.NoError(t, err)
	require.True(t, task.Frontmatter.AwaitingUserInput)

	task, err = f.store.MoveTaskToPhase(ctx, task, core.PhaseBacklog, core.ActorUser, "", nil)
	require.NoError(t, err)
	assert.False(t, task.Frontmatter.AwaitingUserInput)
}

func TestDiscoverTasksScopesAndOrder(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	a := f.create(t, CreateTaskRequest{Title: "a"})
	b := f.create(t, CreateTaskRequest{Title: "b"})
	c := f.create(t, CreateTaskRequest{Title: "c"})

	_, err := f.store.MoveTaskToPhase(ctx, c, core.PhaseArchived, core.ActorUser, "", nil)
	require.NoError(t, err)

	active, err := f.store.DiscoverTasks(ctx, f.tasksDir, ScopeActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Insert-at-head: b was created last so it sorts first.
	assert.Equal(t, b.ID(), active[0].ID())
	assert.Equal(t, a.ID(), active[1].ID())

	archived, err := f.store.DiscoverTasks(ctx, f.tasksDir, ScopeArchived)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, c.ID(), archived[0].ID())

	all, err := f.store.DiscoverTasks(ctx, f.tasksDir, ScopeAll)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDiscoverSkipsUnparseableFiles(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	f.create(t, CreateTaskRequest{Title: "good"})

	badDir := filepath.Join(f.tasksDir, "DEMO-99")
	require.NoError(t, os.MkdirAll(badDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, TaskFileName), []byte("{not yaml"), 0o600))

	tasks, err := f.store.DiscoverTasks(ctx, f.tasksDir, ScopeAll)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestReorderTasksRewritesIndexes(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	a := f.create(t, CreateTaskRequest{Title: "a"})
	b := f.create(t, CreateTaskRequest{Title: "b"})
	c := f.create(t, CreateTaskRequest{Title: "c"})

	err := f.store.ReorderTasks(ctx, f.tasksDir, core.PhaseBacklog,
		[]core.TaskID{a.ID(), c.ID(), b.ID()})
	require.NoError(t, err)

	tasks, err := f.store.DiscoverTasks(ctx, f.tasksDir, ScopeAll)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, a.ID(), tasks[0].ID())
	assert.Equal(t, c.ID(), tasks[1].ID())
	assert.Equal(t, b.ID(), tasks[2].ID())
	assert.Equal(t, 0, tasks[0].Frontmatter.Order)
	assert.Equal(t, 1, tasks[1].Frontmatter.Order)
	assert.Equal(t, 2, tasks[2].Frontmatter.Order)
}

func TestUpdateBlockedBookkeeping(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "blocked"})

	blocked := core.BlockedState{IsBlocked: true, Reason: "waiting on credentials"}
	task, err := f.store.UpdateTask(ctx, task, UpdateTaskRequest{Blocked: &blocked})
	require.NoError(t, err)
	assert.Equal(t, 1, task.Frontmatter.BlockedCount)
	require.NotNil(t, task.Frontmatter.Blocked.Since)

	unblocked := core.BlockedState{IsBlocked: false}
	task, err = f.store.UpdateTask(ctx, task, UpdateTaskRequest{Blocked: &unblocked})
	require.NoError(t, err)
	assert.Equal(t, 1, task.Frontmatter.BlockedCount)
	assert.Nil(t, task.Frontmatter.Blocked.Since)
	assert.GreaterOrEqual(t, task.Frontmatter.BlockedDuration, int64(0))
}

func TestUpdateRejectsOversizedCriteria(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "limits"})

	long := make([]byte, core.MaxCriterionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	criteria := []core.AcceptanceCriterion{{Text: string(long)}}
	_, err := f.store.UpdateTask(ctx, task, UpdateTaskRequest{AcceptanceCriteria: &criteria})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestUpdateMergesUsage(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{Title: "usage"})

	delta := core.UsageSample{
		Provider:     "anthropic",
		ModelID:      "m1",
		InputTokens:  100,
		OutputTokens: 50,
		Cost:         0.01,
	}
	task, err := f.store.UpdateTask(ctx, task, UpdateTaskRequest{UsageDelta: &delta})
	require.NoError(t, err)
	task, err = f.store.UpdateTask(ctx, task, UpdateTaskRequest{UsageDelta: &delta})
	require.NoError(t, err)

	require.NotNil(t, task.Frontmatter.UsageMetrics)
	require.Len(t, task.Frontmatter.UsageMetrics.ByModel, 1)
	assert.Equal(t, int64(200), task.Frontmatter.UsageMetrics.ByModel[0].Input)
	assert.Equal(t, int64(300), task.Frontmatter.UsageMetrics.Totals.Total)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newStoreFixture(t)
	_, err := f.store.GetTask(context.Background(), f.tasksDir, "DEMO-404")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestMovePersistsToDisk(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	task := f.create(t, CreateTaskRequest{
		Title:              "persisted",
		AcceptanceCriteria: []string{"works"},
	})
	_, err := f.store.MoveTaskToPhase(ctx, task, core.PhaseReady, core.ActorUser, "planned", nil)
	require.NoError(t, err)

	reloaded, err := f.store.GetTask(ctx, f.tasksDir, task.ID())
	require.NoError(t, err)
	assert.Equal(t, core.PhaseReady, reloaded.Phase())
	require.Len(t, reloaded.History, 1)
	assert.Equal(t, "planned", reloaded.History[0].Reason)
}
