package taskstore

import (
	"strings"

	"github.com/taskfactory/factoryd/internal/core"
)

// CreateTaskRequest carries the fields a caller may set on a new task.
// Everything omitted falls back to workspace-config defaults.
type CreateTaskRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`

	PrePlanningSkills   []string                     `json:"prePlanningSkills,omitempty"`
	PreExecutionSkills  []string                     `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills []string                     `json:"postExecutionSkills,omitempty"`
	SkillConfigs        map[string]map[string]string `json:"skillConfigs,omitempty"`

	ExecutionModelConfig    *core.ModelConfig  `json:"executionModelConfig,omitempty"`
	PlanningModelConfig     *core.ModelConfig  `json:"planningModelConfig,omitempty"`
	ExecutionFallbackModels []core.ModelConfig `json:"executionFallbackModels,omitempty"`
	PlanningFallbackModels  []core.ModelConfig `json:"planningFallbackModels,omitempty"`

	PlanningSkipped bool `json:"planningSkipped,omitempty"`
}

// UpdateTaskRequest is a partial update: nil fields are left untouched.
type UpdateTaskRequest struct {
	Title              *string                     `json:"title,omitempty"`
	Description        *string                     `json:"description,omitempty"`
	AcceptanceCriteria *[]core.AcceptanceCriterion `json:"acceptanceCriteria,omitempty"`
	Order              *int                        `json:"order,omitempty"`

	PrePlanningSkills   *[]string                     `json:"prePlanningSkills,omitempty"`
	PreExecutionSkills  *[]string                     `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills *[]string                     `json:"postExecutionSkills,omitempty"`
	SkillConfigs        *map[string]map[string]string `json:"skillConfigs,omitempty"`

	ExecutionModelConfig *core.ModelConfig `json:"executionModelConfig,omitempty"`
	PlanningModelConfig  *core.ModelConfig `json:"planningModelConfig,omitempty"`

	Plan            *core.Plan           `json:"plan,omitempty"`
	PlanningStatus  *core.PlanningStatus `json:"planningStatus,omitempty"`
	PlanningSkipped *bool                `json:"planningSkipped,omitempty"`

	Blocked           *core.BlockedState `json:"blocked,omitempty"`
	AwaitingUserInput *bool              `json:"awaitingUserInput,omitempty"`
	SessionFile       *string            `json:"sessionFile,omitempty"`

	// UsageDelta is merged additively into the task's usage metrics.
	UsageDelta *core.UsageSample `json:"usageDelta,omitempty"`
}

// MoveCheck is the answer to "may this task enter that phase".
type MoveCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func validateCriteria(criteria []core.AcceptanceCriterion) error {
	if len(criteria) > core.MaxCriteriaCount {
		return core.ErrValidation(core.CodeTooManyCriteria, "too many acceptance criteria")
	}
	for _, c := range criteria {
		if strings.TrimSpace(c.Text) == "" {
			return core.ErrValidation(core.CodeEmptyDescription, "acceptance criterion cannot be empty")
		}
		if len(c.Text) > core.MaxCriterionLength {
			return core.ErrValidation(core.CodeCriterionTooLong, "acceptance criterion exceeds maximum length")
		}
	}
	return nil
}
