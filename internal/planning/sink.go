package planning

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/taskstore"
)

// planningSink routes the planning session's extension-tool calls back into
// factory state. The engine invokes it from its own goroutines.
type planningSink struct {
	s *Session
}

// SavePlan persists a plan onto an existing task and marks its planning
// completed. Non-empty criteria replace the task's acceptance criteria.
func (k *planningSink) SavePlan(taskID core.TaskID, plan core.Plan, criteria []string) error {
	s := k.s
	ctx := context.Background()

	task, err := s.deps.Store.GetTask(ctx, s.ws.TasksDir, taskID)
	if err != nil {
		return err
	}
	if plan.GeneratedAt.IsZero() {
		plan.GeneratedAt = time.Now().UTC()
	}
	completed := core.PlanningCompleted
	req := taskstore.UpdateTaskRequest{Plan: &plan, PlanningStatus: &completed}
	if len(criteria) > 0 {
		list := make([]core.AcceptanceCriterion, len(criteria))
		for i, text := range criteria {
			list[i] = core.AcceptanceCriterion{Text: text, Check: core.CheckPending}
		}
		req.AcceptanceCriteria = &list
	}
	if _, err := s.deps.Store.UpdateTask(ctx, task, req); err != nil {
		return err
	}

	s.mu.Lock()
	s.appendMessageLocked(Message{
		Role:     core.RoleSystem,
		Content:  "Saved plan for " + string(taskID),
		Metadata: map[string]any{"taskId": string(taskID)},
	})
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewPlanSavedEvent(s.ws.ID, taskID))
	s.deps.kick()
	return nil
}

// CreateDraftTask shelves a task proposal.
func (k *planningSink) CreateDraftTask(draft core.DraftTask) error {
	s := k.s
	if draft.DraftID == "" {
		draft.DraftID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	if draft.Title == "" {
		return core.ErrValidation(core.CodeEmptyDescription, "draft title cannot be empty")
	}

	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.shelf.Drafts[draft.DraftID] = draft
	drafts, artifacts := len(s.shelf.Drafts), len(s.shelf.Artifacts)
	if err := s.st.writeShelf(s.shelf); err != nil {
		s.mu.Unlock()
		return core.ErrIO("write shelf", err)
	}
	s.appendMessageLocked(Message{
		Role:     core.RoleSystem,
		Content:  "Drafted task: " + draft.Title,
		Metadata: map[string]any{"draft": draft},
	})
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewShelfUpdatedEvent(s.ws.ID, drafts, artifacts))
	return nil
}

// CreateArtifact shelves a supporting document.
func (k *planningSink) CreateArtifact(artifact core.Artifact) error {
	s := k.s
	if artifact.ArtifactID == "" {
		artifact.ArtifactID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.shelf.Artifacts[artifact.ArtifactID] = artifact
	drafts, artifacts := len(s.shelf.Drafts), len(s.shelf.Artifacts)
	if err := s.st.writeShelf(s.shelf); err != nil {
		s.mu.Unlock()
		return core.ErrIO("write shelf", err)
	}
	s.appendMessageLocked(Message{
		Role:     core.RoleSystem,
		Content:  "Created artifact: " + artifact.Title,
		Metadata: map[string]any{"artifact": artifact},
	})
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewShelfUpdatedEvent(s.ws.ID, drafts, artifacts))
	return nil
}

// AskQuestions parks the calling tool until the user resolves or aborts the
// request. No timeout is imposed; teardown of the session aborts all parked
// calls.
func (k *planningSink) AskQuestions(req core.QARequest) ([]core.QAAnswer, error) {
	s := k.s
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	ch := make(chan qaResult, 1)
	s.mu.Lock()
	s.pendingQA[req.RequestID] = ch
	s.appendMessageLocked(Message{
		Role:     core.RoleSystem,
		Content:  "Questions for the user",
		Metadata: map[string]any{"qaRequest": req},
	})
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewQARequestEvent(s.ws.ID, req.RequestID, req.Questions))

	res := <-ch
	if res.aborted {
		return nil, ErrQAAborted
	}
	return res.answers, nil
}

// ManageShelf lets the agent inspect or prune the shelf mid-turn.
func (k *planningSink) ManageShelf(action string, payload map[string]any) (string, error) {
	s := k.s
	switch action {
	case "list":
		shelf, err := s.ShelfSnapshot()
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(shelf)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "remove_draft":
		id, _ := payload["draftId"].(string)
		if err := s.RemoveDraft(id); err != nil {
			return "", err
		}
		return "draft removed", nil
	case "remove_artifact":
		id, _ := payload["artifactId"].(string)
		if err := s.RemoveArtifact(id); err != nil {
			return "", err
		}
		return "artifact removed", nil
	default:
		return "", core.ErrValidation("UNKNOWN_SHELF_ACTION", "unknown shelf action: "+action)
	}
}

// ManageNewTask forwards to the hub bridge when one is registered.
func (k *planningSink) ManageNewTask(action string, payload map[string]any) error {
	if k.s.deps.ManageNewTask == nil {
		return nil
	}
	return k.s.deps.ManageNewTask(action, payload)
}

// FactoryControl forwards to the hub bridge when one is registered.
func (k *planningSink) FactoryControl(action string, payload map[string]any) error {
	if k.s.deps.FactoryControl == nil {
		return nil
	}
	return k.s.deps.FactoryControl(action, payload)
}
