package core

import "time"

// ActivityKind discriminates the activity-entry union.
type ActivityKind string

const (
	ActivityChatMessage ActivityKind = "chat-message"
	ActivitySystemEvent ActivityKind = "system-event"
)

// SystemEventKind enumerates system-event subtypes.
type SystemEventKind string

const (
	EventPhaseChange   SystemEventKind = "phase-change"
	EventReliability   SystemEventKind = "execution-reliability"
	EventCompaction    SystemEventKind = "compaction"
	EventSkillStart    SystemEventKind = "skill-start"
	EventSkillEnd      SystemEventKind = "skill-end"
	EventStall         SystemEventKind = "stall"
	EventProviderRetry SystemEventKind = "provider-retry"
	EventTimeout       SystemEventKind = "timeout"
	EventError         SystemEventKind = "error"
	EventIOError       SystemEventKind = "io_error"
	EventDropped       SystemEventKind = "subscriber-dropped"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser   ChatRole = "user"
	RoleAgent  ChatRole = "agent"
	RoleSystem ChatRole = "system"
)

// ActivityEntry is one immutable record in a workspace's activity log.
// Exactly one of the kind-specific field groups is populated.
type ActivityEntry struct {
	ID        string       `json:"id"`
	Kind      ActivityKind `json:"kind"`
	TaskID    TaskID       `json:"taskId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	// chat-message fields
	Role        ChatRole `json:"role,omitempty"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`

	// system-event fields
	Event   SystemEventKind `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`

	// Metadata carries structured payloads: reliability signals, tool args,
	// QA requests/responses, draft/artifact payloads.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewChatMessage builds a chat activity entry. The log assigns ID and
// timestamp on append.
func NewChatMessage(taskID TaskID, role ChatRole, content string) ActivityEntry {
	return ActivityEntry{
		Kind:    ActivityChatMessage,
		TaskID:  taskID,
		Role:    role,
		Content: content,
	}
}

// NewSystemEvent builds a system-event activity entry.
func NewSystemEvent(taskID TaskID, event SystemEventKind, message string) ActivityEntry {
	return ActivityEntry{
		Kind:    ActivitySystemEvent,
		TaskID:  taskID,
		Event:   event,
		Message: message,
	}
}

// WithMetadata attaches structured data to the entry.
func (e ActivityEntry) WithMetadata(md map[string]any) ActivityEntry {
	e.Metadata = md
	return e
}
