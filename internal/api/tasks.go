package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/hub"
	"github.com/taskfactory/factoryd/internal/supervisor"
	"github.com/taskfactory/factoryd/internal/taskstore"
)

type taskResponse struct {
	Frontmatter core.TaskFrontmatter   `json:"frontmatter"`
	Description string                 `json:"description"`
	History     []core.PhaseTransition `json:"history"`
}

func toTaskResponse(t *core.Task) taskResponse {
	return taskResponse{
		Frontmatter: t.Frontmatter,
		Description: t.Description,
		History:     t.History,
	}
}

func parseScope(raw string) (taskstore.Scope, bool) {
	switch raw {
	case "", "active":
		return taskstore.ScopeActive, true
	case "all":
		return taskstore.ScopeAll, true
	case "archived":
		return taskstore.ScopeArchived, true
	default:
		return taskstore.ScopeActive, false
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, rt *hub.Runtime) (*core.Task, bool) {
	id := core.TaskID(chi.URLParam(r, "taskID"))
	task, err := rt.Store.GetTask(r.Context(), rt.Ref.TasksDir, id)
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	return task, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	scope, valid := parseScope(r.URL.Query().Get("scope"))
	if !valid {
		respondError(w, http.StatusBadRequest, "scope must be active, archived, or all")
		return
	}
	tasks, err := rt.Store.DiscoverTasks(r.Context(), rt.Ref.TasksDir, scope)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req taskstore.CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := rt.Store.CreateTask(r.Context(), rt.Ref.TasksDir, req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.bus.Publish(events.NewTaskCreatedEvent(rt.Workspace.ID, task.ID(), task.Phase(), task.Frontmatter.Title))
	rt.Queue.Kick()
	respondJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	var req taskstore.UpdateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := rt.Store.UpdateTask(r.Context(), task, req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.bus.Publish(events.NewTaskUpdatedEvent(rt.Workspace.ID, updated.ID()))
	rt.Queue.Kick()
	respondJSON(w, http.StatusOK, toTaskResponse(updated))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	if _, live := rt.Sessions.Active(task.ID()); live {
		respondError(w, http.StatusConflict, "task has a live agent session; stop it first")
		return
	}
	if err := rt.Store.DeleteTask(r.Context(), task); err != nil {
		respondDomainError(w, err)
		return
	}
	s.bus.Publish(events.NewTaskDeletedEvent(rt.Workspace.ID, task.ID()))
	rt.Queue.Kick()
	respondJSON(w, http.StatusOK, map[string]string{"deleted": string(task.ID())})
}

type moveTaskRequest struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleMoveCheck(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	phase, err := core.ParsePhase(r.URL.Query().Get("phase"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt.Store.CanMoveToPhase(task, phase))
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	var req moveTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	phase, err := core.ParsePhase(req.Phase)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	all, err := rt.Store.DiscoverTasks(r.Context(), rt.Ref.TasksDir, taskstore.ScopeAll)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	from := task.Phase()
	moved, err := rt.Store.MoveTaskToPhase(r.Context(), task, phase, core.ActorUser, req.Reason, all)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.bus.PublishPriority(events.NewTaskMovedEvent(rt.Workspace.ID, moved.ID(), from, phase, core.ActorUser))
	rt.Queue.Kick()
	respondJSON(w, http.StatusOK, toTaskResponse(moved))
}

type reorderRequest struct {
	Phase      string        `json:"phase"`
	OrderedIDs []core.TaskID `json:"orderedIds"`
}

func (s *Server) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	phase, err := core.ParsePhase(req.Phase)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := rt.Store.ReorderTasks(r.Context(), rt.Ref.TasksDir, phase, req.OrderedIDs); err != nil {
		respondDomainError(w, err)
		return
	}
	rt.Queue.Kick()
	respondJSON(w, http.StatusOK, map[string]string{"reordered": req.Phase})
}

// prepareExecution moves the task into executing if needed and clears any
// parked flag, leaving it ready for a fresh supervisor run.
func (s *Server) prepareExecution(w http.ResponseWriter, r *http.Request, rt *hub.Runtime, task *core.Task, reason string) (*core.Task, bool) {
	if task.Phase() != core.PhaseExecuting {
		all, err := rt.Store.DiscoverTasks(r.Context(), rt.Ref.TasksDir, taskstore.ScopeAll)
		if err != nil {
			respondDomainError(w, err)
			return nil, false
		}
		from := task.Phase()
		task, err = rt.Store.MoveTaskToPhase(r.Context(), task, core.PhaseExecuting, core.ActorUser, reason, all)
		if err != nil {
			respondDomainError(w, err)
			return nil, false
		}
		s.bus.PublishPriority(events.NewTaskMovedEvent(rt.Workspace.ID, task.ID(), from, core.PhaseExecuting, core.ActorUser))
	}
	if task.Frontmatter.AwaitingUserInput {
		cleared := false
		var err error
		task, err = rt.Store.UpdateTask(r.Context(), task, taskstore.UpdateTaskRequest{AwaitingUserInput: &cleared})
		if err != nil {
			respondDomainError(w, err)
			return nil, false
		}
	}
	return task, true
}

// handleExecuteTask moves the task into executing if needed, clears any
// parked flag, and starts an execution supervisor.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	task, ok = s.prepareExecution(w, r, rt, task, "executed")
	if !ok {
		return
	}

	// The supervisor outlives the request.
	if _, err := rt.Sessions.Start(context.Background(), rt.Ref, task, supervisor.ModeExecution); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toTaskResponse(task))
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	id := core.TaskID(chi.URLParam(r, "taskID"))
	respondJSON(w, http.StatusOK, map[string]bool{"stopped": rt.Sessions.Stop(id)})
}

type steerRequest struct {
	Instruction string `json:"instruction"`
}

func (s *Server) handleSteerTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req steerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instruction == "" {
		respondError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	id := core.TaskID(chi.URLParam(r, "taskID"))
	if err := rt.Sessions.Steer(id, req.Instruction); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"steered": true})
}

type followUpRequest struct {
	Message string `json:"message"`
}

// handleFollowUpTask queues the message on the live supervisor, or, when no
// turn is active, clears any parked flag and starts a fresh execution whose
// first turn delivers the message.
func (s *Server) handleFollowUpTask(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req followUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	id := core.TaskID(chi.URLParam(r, "taskID"))
	if rt.Sessions.FollowUp(id, req.Message) {
		respondJSON(w, http.StatusOK, map[string]bool{"queued": true, "startedTurn": false})
		return
	}

	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	task, ok = s.prepareExecution(w, r, rt, task, "follow-up")
	if !ok {
		return
	}
	if _, err := rt.Sessions.Start(context.Background(), rt.Ref, task, supervisor.ModeExecution,
		supervisor.WithOpeningMessage(req.Message)); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"queued": false, "startedTurn": true})
}

// handleRegeneratePlan starts a fresh planning run for the task. The saved
// plan replaces the old one; acceptance criteria are replaced when the agent
// supplies new ones.
func (s *Server) handleRegeneratePlan(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, ok := s.getTask(w, r, rt)
	if !ok {
		return
	}
	if task.Description == "" {
		respondError(w, http.StatusBadRequest, "task has no description to plan from")
		return
	}
	if _, err := rt.Sessions.Start(context.Background(), rt.Ref, task, supervisor.ModePlanning); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"planning": string(task.ID())})
}
