package events

import "github.com/taskfactory/factoryd/internal/core"

// Event type constants for task events.
const (
	TypeTaskCreated = "task:created"
	TypeTaskUpdated = "task:updated"
	TypeTaskMoved   = "task:moved"
	TypeTaskDeleted = "task:deleted"
)

// TaskCreatedEvent is emitted when a task is persisted.
type TaskCreatedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
	Phase  string `json:"phase"`
	Title  string `json:"title"`
}

// NewTaskCreatedEvent creates a new task created event.
func NewTaskCreatedEvent(workspaceID string, taskID core.TaskID, phase core.Phase, title string) TaskCreatedEvent {
	return TaskCreatedEvent{
		BaseEvent: NewBaseEvent(TypeTaskCreated, workspaceID),
		TaskID:    string(taskID),
		Phase:     string(phase),
		Title:     title,
	}
}

// TaskUpdatedEvent is emitted on any non-phase task mutation.
type TaskUpdatedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
}

// NewTaskUpdatedEvent creates a new task updated event.
func NewTaskUpdatedEvent(workspaceID string, taskID core.TaskID) TaskUpdatedEvent {
	return TaskUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeTaskUpdated, workspaceID),
		TaskID:    string(taskID),
	}
}

// TaskMovedEvent is emitted on every successful phase transition.
type TaskMovedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
}

// NewTaskMovedEvent creates a new task moved event.
func NewTaskMovedEvent(workspaceID string, taskID core.TaskID, from, to core.Phase, actor core.Actor) TaskMovedEvent {
	return TaskMovedEvent{
		BaseEvent: NewBaseEvent(TypeTaskMoved, workspaceID),
		TaskID:    string(taskID),
		From:      string(from),
		To:        string(to),
		Actor:     string(actor),
	}
}

// TaskDeletedEvent is emitted when a task directory is removed.
type TaskDeletedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
}

// NewTaskDeletedEvent creates a new task deleted event.
func NewTaskDeletedEvent(workspaceID string, taskID core.TaskID) TaskDeletedEvent {
	return TaskDeletedEvent{
		BaseEvent: NewBaseEvent(TypeTaskDeleted, workspaceID),
		TaskID:    string(taskID),
	}
}
