package events

// TypeQueueStatus is emitted when a workspace's scheduling view changes.
const TypeQueueStatus = "queue:status"

// QueueStatusEvent carries the queue manager's current counts.
type QueueStatusEvent struct {
	BaseEvent
	Enabled   bool `json:"enabled"`
	Backlog   int  `json:"backlog"`
	Ready     int  `json:"ready"`
	Executing int  `json:"executing"`
	Parked    int  `json:"parked"`
	Planning  int  `json:"planning"`
}

// NewQueueStatusEvent creates a new queue status event.
func NewQueueStatusEvent(workspaceID string, enabled bool, backlog, ready, executing, parked, planning int) QueueStatusEvent {
	return QueueStatusEvent{
		BaseEvent: NewBaseEvent(TypeQueueStatus, workspaceID),
		Enabled:   enabled,
		Backlog:   backlog,
		Ready:     ready,
		Executing: executing,
		Parked:    parked,
		Planning:  planning,
	}
}
