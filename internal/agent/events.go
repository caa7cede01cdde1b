// Package agent defines the contract between the factory core and an
// external coding-agent engine: session lifecycle, the engine event stream,
// and the extension-tool callback surface.
package agent

// EventType tags one event on an engine session stream.
type EventType string

const (
	EventAgentStart      EventType = "agent_start"
	EventMessageStart    EventType = "message_start"
	EventMessageUpdate   EventType = "message_update"
	EventMessageEnd      EventType = "message_end"
	EventTurnEnd         EventType = "turn_end"
	EventToolStart       EventType = "tool_execution_start"
	EventToolUpdate      EventType = "tool_execution_update"
	EventToolEnd         EventType = "tool_execution_end"
	EventCompactionStart EventType = "auto_compaction_start"
	EventCompactionEnd   EventType = "auto_compaction_end"
	EventRetryStart      EventType = "auto_retry_start"
	EventRetryEnd        EventType = "auto_retry_end"
)

// DeltaKind distinguishes assistant stream deltas.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text_delta"
	DeltaThinking DeltaKind = "thinking_delta"
)

// StopReason is the engine's account of why a message ended.
type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
	StopLength  StopReason = "length"
	StopAborted StopReason = "aborted"
	StopError   StopReason = "error"
)

// Usage is the raw usage payload on an assistant message.
type Usage struct {
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

// Message is one completed message on the stream.
type Message struct {
	Role         string     `json:"role"`
	Content      string     `json:"content"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	StopReason   StopReason `json:"stopReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// ToolResult is one tool outcome attached to a turn_end event.
type ToolResult struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	IsError    bool   `json:"isError"`
	Result     string `json:"result"`
}

// Event is one entry on a session's event stream. The populated field group
// depends on Type; everything else is zero.
type Event struct {
	Type EventType

	// message_update
	Delta DeltaKind
	Text  string

	// message_end, turn_end
	Message     *Message
	ToolResults []ToolResult

	// tool_execution_*
	ToolName   string
	ToolCallID string
	Args       map[string]any
	Data       any
	IsError    bool
	Result     string

	// auto_compaction_*
	Reason    string
	Aborted   bool
	WillRetry bool

	// auto_retry_*
	Attempt      int
	MaxAttempts  int
	DelayMs      int64
	Success      bool
	ErrorMessage string
}

// ContextUsage reports how full the session's context window is.
type ContextUsage struct {
	Tokens        int64   `json:"tokens,omitempty"`
	ContextWindow int64   `json:"contextWindow"`
	Percent       float64 `json:"percent,omitempty"`
}
