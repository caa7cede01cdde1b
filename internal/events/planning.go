package events

import "github.com/taskfactory/factoryd/internal/core"

// Event type constants for planning-session events.
const (
	TypePlanningStatus  = "planning:status"
	TypePlanningTurnEnd = "planning:turn_end"
	TypePlanSaved       = "planning:plan_saved"
	TypeShelfUpdated    = "shelf:updated"
	TypeQARequest       = "qa:request"
)

// PlanningStatusEvent is emitted when the workspace planning session changes
// status.
type PlanningStatusEvent struct {
	BaseEvent
	SessionID string          `json:"session_id"`
	Status    ExecutionStatus `json:"status"`
}

// NewPlanningStatusEvent creates a new planning status event.
func NewPlanningStatusEvent(workspaceID, sessionID string, status ExecutionStatus) PlanningStatusEvent {
	return PlanningStatusEvent{
		BaseEvent: NewBaseEvent(TypePlanningStatus, workspaceID),
		SessionID: sessionID,
		Status:    status,
	}
}

// PlanningTurnEndEvent is emitted when a planning turn finishes.
type PlanningTurnEndEvent struct {
	BaseEvent
	SessionID string      `json:"session_id"`
	Outcome   TurnOutcome `json:"outcome"`
}

// NewPlanningTurnEndEvent creates a new planning turn end event.
func NewPlanningTurnEndEvent(workspaceID, sessionID string, outcome TurnOutcome) PlanningTurnEndEvent {
	return PlanningTurnEndEvent{
		BaseEvent: NewBaseEvent(TypePlanningTurnEnd, workspaceID),
		SessionID: sessionID,
		Outcome:   outcome,
	}
}

// PlanSavedEvent is emitted when a task's plan is persisted.
type PlanSavedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
}

// NewPlanSavedEvent creates a new plan saved event.
func NewPlanSavedEvent(workspaceID string, taskID core.TaskID) PlanSavedEvent {
	return PlanSavedEvent{
		BaseEvent: NewBaseEvent(TypePlanSaved, workspaceID),
		TaskID:    string(taskID),
	}
}

// ShelfUpdatedEvent is emitted when drafts or artifacts change.
type ShelfUpdatedEvent struct {
	BaseEvent
	Drafts    int `json:"drafts"`
	Artifacts int `json:"artifacts"`
}

// NewShelfUpdatedEvent creates a new shelf updated event.
func NewShelfUpdatedEvent(workspaceID string, drafts, artifacts int) ShelfUpdatedEvent {
	return ShelfUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeShelfUpdated, workspaceID),
		Drafts:    drafts,
		Artifacts: artifacts,
	}
}

// QARequestEvent is emitted when the planning agent asks the user questions.
type QARequestEvent struct {
	BaseEvent
	RequestID string            `json:"request_id"`
	Questions []core.QAQuestion `json:"questions"`
}

// NewQARequestEvent creates a new QA request event.
func NewQARequestEvent(workspaceID, requestID string, questions []core.QAQuestion) QARequestEvent {
	return QARequestEvent{
		BaseEvent: NewBaseEvent(TypeQARequest, workspaceID),
		RequestID: requestID,
		Questions: questions,
	}
}
