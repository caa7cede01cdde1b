package agent

import "github.com/taskfactory/factoryd/internal/core"

// Extension tool names the core recognises on the event stream.
const (
	ToolSavePlan        = "save_plan"
	ToolCreateDraftTask = "create_draft_task"
	ToolCreateArtifact  = "create_artifact"
	ToolAskQuestions    = "ask_questions"
	ToolManageShelf     = "manage_shelf"
	ToolManageNewTask   = "manage_new_task"
	ToolFactoryControl  = "factory_control"
	ToolRead            = "read"
)

// ToolSink receives extension-tool calls from a session. Implementations are
// registered per workspace; the engine routes tool invocations back through
// them so agent output lands in factory state instead of free text.
type ToolSink interface {
	// SavePlan persists the plan produced by a planning run. criteria, when
	// non-empty, replaces the task's acceptance criteria.
	SavePlan(taskID core.TaskID, plan core.Plan, criteria []string) error

	// CreateDraftTask shelves a task proposal from the planning session.
	CreateDraftTask(draft core.DraftTask) error

	// CreateArtifact shelves a supporting artifact.
	CreateArtifact(artifact core.Artifact) error

	// AskQuestions parks the calling tool until the user resolves or aborts
	// the request. The returned answers are handed back to the agent.
	AskQuestions(req core.QARequest) ([]core.QAAnswer, error)

	// ManageShelf inspects or prunes shelved drafts and artifacts. The
	// returned string is handed back to the agent as the tool result.
	ManageShelf(action string, payload map[string]any) (string, error)

	// ManageNewTask mutates the in-progress new-task form.
	ManageNewTask(action string, payload map[string]any) error

	// FactoryControl executes queue and board control actions.
	FactoryControl(action string, payload map[string]any) error
}

// NopToolSink ignores every tool call. Useful for sessions that carry no
// extension tools.
type NopToolSink struct{}

func (NopToolSink) SavePlan(core.TaskID, core.Plan, []string) error      { return nil }
func (NopToolSink) CreateDraftTask(core.DraftTask) error                 { return nil }
func (NopToolSink) CreateArtifact(core.Artifact) error                   { return nil }
func (NopToolSink) AskQuestions(core.QARequest) ([]core.QAAnswer, error) { return nil, nil }
func (NopToolSink) ManageShelf(string, map[string]any) (string, error)   { return "", nil }
func (NopToolSink) ManageNewTask(string, map[string]any) error           { return nil }
func (NopToolSink) FactoryControl(string, map[string]any) error          { return nil }
