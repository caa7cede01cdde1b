package events

import "github.com/taskfactory/factoryd/internal/core"

// Event type constants for agent execution events.
const (
	TypeExecutionStatus = "agent:execution_status"
	TypeTurnEnd         = "agent:turn_end"
)

// ExecutionStatus is the live state of a supervised agent session.
type ExecutionStatus string

const (
	StatusIdle      ExecutionStatus = "idle"
	StatusStreaming ExecutionStatus = "streaming"
	StatusToolUse   ExecutionStatus = "tool_use"
	StatusThinking  ExecutionStatus = "thinking"
	StatusCompleted ExecutionStatus = "completed"
	StatusError     ExecutionStatus = "error"
)

// ExecutionStatusEvent is emitted when a supervised session changes status.
type ExecutionStatusEvent struct {
	BaseEvent
	TaskID string          `json:"task_id"`
	Status ExecutionStatus `json:"status"`
}

// NewExecutionStatusEvent creates a new execution status event.
func NewExecutionStatusEvent(workspaceID string, taskID core.TaskID, status ExecutionStatus) ExecutionStatusEvent {
	return ExecutionStatusEvent{
		BaseEvent: NewBaseEvent(TypeExecutionStatus, workspaceID),
		TaskID:    string(taskID),
		Status:    status,
	}
}

// TurnOutcome summarises how an agent turn ended.
type TurnOutcome string

const (
	OutcomeCompleted TurnOutcome = "completed"
	OutcomeStopped   TurnOutcome = "stopped"
	OutcomeStalled   TurnOutcome = "stalled"
	OutcomeTimedOut  TurnOutcome = "timed_out"
	OutcomeError     TurnOutcome = "error"
)

// TurnEndEvent is emitted exactly once per agent turn, whether the turn ends
// naturally or through a guardrail.
type TurnEndEvent struct {
	BaseEvent
	TaskID     string      `json:"task_id"`
	TurnID     string      `json:"turn_id"`
	Outcome    TurnOutcome `json:"outcome"`
	DurationMs int64       `json:"duration_ms"`
}

// NewTurnEndEvent creates a new turn end event.
func NewTurnEndEvent(workspaceID string, taskID core.TaskID, turnID string, outcome TurnOutcome, durationMs int64) TurnEndEvent {
	return TurnEndEvent{
		BaseEvent:  NewBaseEvent(TypeTurnEnd, workspaceID),
		TaskID:     string(taskID),
		TurnID:     turnID,
		Outcome:    outcome,
		DurationMs: durationMs,
	}
}
