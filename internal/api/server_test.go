package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/agent/agenttest"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/hub"
	"github.com/taskfactory/factoryd/internal/workspace"
)

type apiFixture struct {
	server *Server
	bus    *events.Bus
	engine *agenttest.Engine
	wsID   string
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	engine := &agenttest.Engine{
		EmitTurnEndOnAbort: true,
		Script: func(int, string) []agent.Event {
			return agenttest.TextTurn("scripted reply", nil)
		},
	}
	h := hub.New(hub.Deps{
		Registry: registry,
		Engine:   engine,
		Activity: bcast,
		Bus:      bus,
		Settings: config.DefaultSettings(),
	})

	server := NewServer(h, registry, bus, bcast)
	t.Cleanup(func() {
		h.Close()
		_ = bcast.Close()
		bus.Close()
		_ = registry.Close()
	})
	return &apiFixture{server: server, bus: bus, engine: engine, wsID: ws.ID}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkspaceLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/workspaces/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []workspace.Workspace
	decodeInto(t, rec, &list)
	require.Len(t, list, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces/"+f.wsID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got workspaceResponse
	decodeInto(t, rec, &got)
	assert.Equal(t, f.wsID, got.Workspace.ID)
	require.NotNil(t, got.Config)
	assert.True(t, got.Config.QueueProcessing.Enabled)

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces/nope/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskCRUDAndGuardedMove(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/tasks/"

	rec := f.do(t, http.MethodPost, base, map[string]any{
		"title":       "first",
		"description": "do the thing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created taskResponse
	decodeInto(t, rec, &created)
	assert.Equal(t, core.TaskID("DEMO-1"), created.Frontmatter.ID)
	assert.Equal(t, core.PhaseBacklog, created.Frontmatter.Phase)

	// No acceptance criteria: entering ready is denied with a reason.
	rec = f.do(t, http.MethodGet, base+"DEMO-1/move-check?phase=ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var check struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	decodeInto(t, rec, &check)
	assert.False(t, check.Allowed)
	assert.NotEmpty(t, check.Reason)

	rec = f.do(t, http.MethodPost, base+"DEMO-1/move", map[string]string{"phase": "ready"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Add criteria, then the same move succeeds.
	rec = f.do(t, http.MethodPut, base+"DEMO-1/", map[string]any{
		"acceptanceCriteria": []map[string]string{{"text": "thing is done"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"DEMO-1/move", map[string]string{"phase": "ready"})
	require.Equal(t, http.StatusOK, rec.Code)
	var moved taskResponse
	decodeInto(t, rec, &moved)
	assert.Equal(t, core.PhaseReady, moved.Frontmatter.Phase)

	rec = f.do(t, http.MethodGet, base+"?scope=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []taskResponse
	decodeInto(t, rec, &tasks)
	assert.Len(t, tasks, 1)

	rec = f.do(t, http.MethodDelete, base+"DEMO-1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, base+"DEMO-1/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/queue"

	rec := f.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Enabled bool `json:"enabled"`
	}
	decodeInto(t, rec, &status)
	assert.False(t, status.Enabled)

	rec = f.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/kick", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStopWithoutSessionIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/tasks/"

	rec := f.do(t, http.MethodPost, base, map[string]any{"title": "quiet"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, base+"DEMO-1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]bool
	decodeInto(t, rec, &out)
	assert.False(t, out["stopped"])
}

func TestSteerWithoutSessionIs404(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/tasks/"

	rec := f.do(t, http.MethodPost, base, map[string]any{"title": "quiet"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, base+"DEMO-1/steer", map[string]string{"instruction": "go left"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowUpWithoutSessionStartsFreshTurn(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/tasks/"

	// Queue processing off so nothing dispatches behind our back.
	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/"+f.wsID+"/queue/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base, map[string]any{
		"title":       "rework",
		"description": "needs another pass",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPut, base+"DEMO-1/", map[string]any{
		"acceptanceCriteria": []map[string]string{{"text": "pass lands"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, base+"DEMO-1/move", map[string]string{"phase": "ready"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, base+"DEMO-1/move", map[string]string{"phase": "executing"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Park it the way a stopped run would.
	rec = f.do(t, http.MethodPut, base+"DEMO-1/", map[string]any{"awaitingUserInput": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"DEMO-1/follow-up", map[string]string{
		"message": "also rename the flag",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]bool
	decodeInto(t, rec, &out)
	assert.False(t, out["queued"])
	assert.True(t, out["startedTurn"])

	// A fresh run opens whose first turn carries the message, not the task
	// prompt; the session file resume supplies the earlier context.
	require.Eventually(t, func() bool {
		sessions := f.engine.Sessions()
		return len(sessions) > 0 && len(sessions[len(sessions)-1].Prompts()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	sessions := f.engine.Sessions()
	prompts := sessions[len(sessions)-1].Prompts()
	assert.Contains(t, prompts[0], "also rename the flag")
	assert.NotContains(t, prompts[0], "Implement task")

	// The park is cleared so the run could proceed.
	rec = f.do(t, http.MethodGet, base+"DEMO-1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got taskResponse
	decodeInto(t, rec, &got)
	assert.False(t, got.Frontmatter.AwaitingUserInput)
}

func TestPlanningMessageEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/planning"

	rec := f.do(t, http.MethodPost, base+"/messages", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		SessionID string   `json:"sessionId"`
		Messages  []any    `json:"messages"`
		PendingQA []string `json:"pendingQA"`
	}
	decodeInto(t, rec, &out)
	assert.NotEmpty(t, out.SessionID)
	assert.Len(t, out.Messages, 2)

	rec = f.do(t, http.MethodPost, base+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stopped map[string]bool
	decodeInto(t, rec, &stopped)
	assert.False(t, stopped["stopped"])
}

func TestPlanningAttachmentUpload(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/workspaces/" + f.wsID + "/planning/attachments"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "sketch.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, base, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var meta struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	decodeInto(t, rec, &meta)
	assert.Equal(t, "sketch.png", meta.Name)

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	decodeInto(t, rec, &list)
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodDelete, base+"/"+meta.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, base, nil)
	decodeInto(t, rec, &list)
	assert.Empty(t, list)
}

func TestTelemetryDisabled(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/workspaces/"+f.wsID+"/telemetry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSEStreamsWorkspaceEvents(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/workspaces/"+f.wsID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readEvent := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}

	require.Equal(t, "connected", readEvent())

	f.bus.Publish(events.NewTaskUpdatedEvent(f.wsID, core.TaskID("DEMO-1")))
	// Events for other workspaces never reach this stream.
	f.bus.Publish(events.NewTaskUpdatedEvent("other-ws", core.TaskID("X-1")))
	f.bus.Publish(events.NewQueueStatusEvent(f.wsID, true, 1, 0, 0, 0, 0))

	assert.Equal(t, events.TypeTaskUpdated, readEvent())
	assert.Equal(t, events.TypeQueueStatus, readEvent())
}
