package agentcli

import (
	"encoding/json"
	"fmt"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/core"
)

// wireEvent is one stdout line from the CLI. Beyond the engine stream of
// agent.EventType values, two extra types exist on the wire: "tool_call"
// (an extension tool waiting for a tool_result command) and "context"
// (a context-window usage sample).
type wireEvent struct {
	Type string `json:"type"`

	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	Message     *agent.Message     `json:"message,omitempty"`
	ToolResults []agent.ToolResult `json:"toolResults,omitempty"`

	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Data       any             `json:"data,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Result     string          `json:"result,omitempty"`

	Reason    string `json:"reason,omitempty"`
	Aborted   bool   `json:"aborted,omitempty"`
	WillRetry bool   `json:"willRetry,omitempty"`

	Attempt      int    `json:"attempt,omitempty"`
	MaxAttempts  int    `json:"maxAttempts,omitempty"`
	DelayMs      int64  `json:"delayMs,omitempty"`
	Success      bool   `json:"success,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Tokens        int64 `json:"tokens,omitempty"`
	ContextWindow int64 `json:"contextWindow,omitempty"`
}

const (
	wireToolCall = "tool_call"
	wireContext  = "context"
)

// command is one stdin line to the CLI.
type command struct {
	Type string `json:"type"`

	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// toEvent maps a stream wire event onto the engine event contract.
func (w wireEvent) toEvent() agent.Event {
	ev := agent.Event{
		Type:         agent.EventType(w.Type),
		Delta:        agent.DeltaKind(w.Delta),
		Text:         w.Text,
		Message:      w.Message,
		ToolResults:  w.ToolResults,
		ToolName:     w.ToolName,
		ToolCallID:   w.ToolCallID,
		Data:         w.Data,
		IsError:      w.IsError,
		Result:       w.Result,
		Reason:       w.Reason,
		Aborted:      w.Aborted,
		WillRetry:    w.WillRetry,
		Attempt:      w.Attempt,
		MaxAttempts:  w.MaxAttempts,
		DelayMs:      w.DelayMs,
		Success:      w.Success,
		ErrorMessage: w.ErrorMessage,
	}
	if len(w.Args) > 0 {
		var args map[string]any
		if err := json.Unmarshal(w.Args, &args); err == nil {
			ev.Args = args
		}
	}
	return ev
}

// dispatchTool decodes an extension tool call and routes it to the sink.
// The returned string is handed back to the agent as the tool result.
func dispatchTool(sink agent.ToolSink, name string, args json.RawMessage) (string, error) {
	if sink == nil {
		sink = agent.NopToolSink{}
	}
	switch name {
	case agent.ToolSavePlan:
		var p struct {
			TaskID   core.TaskID `json:"taskId"`
			Plan     core.Plan   `json:"plan"`
			Criteria []string    `json:"acceptanceCriteria"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("save_plan args: %w", err)
		}
		if err := sink.SavePlan(p.TaskID, p.Plan, p.Criteria); err != nil {
			return "", err
		}
		return fmt.Sprintf("plan saved for %s", p.TaskID), nil

	case agent.ToolCreateDraftTask:
		var draft core.DraftTask
		if err := json.Unmarshal(args, &draft); err != nil {
			return "", fmt.Errorf("create_draft_task args: %w", err)
		}
		if err := sink.CreateDraftTask(draft); err != nil {
			return "", err
		}
		return "draft created", nil

	case agent.ToolCreateArtifact:
		var artifact core.Artifact
		if err := json.Unmarshal(args, &artifact); err != nil {
			return "", fmt.Errorf("create_artifact args: %w", err)
		}
		if err := sink.CreateArtifact(artifact); err != nil {
			return "", err
		}
		return "artifact created", nil

	case agent.ToolAskQuestions:
		var req core.QARequest
		if err := json.Unmarshal(args, &req); err != nil {
			return "", fmt.Errorf("ask_questions args: %w", err)
		}
		answers, err := sink.AskQuestions(req)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(answers)
		if err != nil {
			return "", err
		}
		return string(out), nil

	case agent.ToolManageShelf:
		var p struct {
			Action  string         `json:"action"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("manage_shelf args: %w", err)
		}
		return sink.ManageShelf(p.Action, p.Payload)

	case agent.ToolManageNewTask, agent.ToolFactoryControl:
		var p struct {
			Action  string         `json:"action"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("%s args: %w", name, err)
		}
		var err error
		if name == agent.ToolManageNewTask {
			err = sink.ManageNewTask(p.Action, p.Payload)
		} else {
			err = sink.FactoryControl(p.Action, p.Payload)
		}
		if err != nil {
			return "", err
		}
		return "ok", nil

	default:
		return "", fmt.Errorf("unknown extension tool: %s", name)
	}
}
