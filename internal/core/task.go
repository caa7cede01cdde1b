package core

import (
	"strings"
	"time"
)

// TaskID is a workspace-scoped task identifier of the form PREFIX-N.
type TaskID string

// DefaultTaskPrefix is used when a workspace folder yields no alpha characters.
const DefaultTaskPrefix = "TASK"

// PrefixForWorkspace derives the task-ID prefix from a workspace folder name:
// the first four alphabetic characters, uppercased.
func PrefixForWorkspace(folder string) string {
	var b strings.Builder
	for _, r := range folder {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			if b.Len() == 4 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return DefaultTaskPrefix
	}
	return strings.ToUpper(b.String())
}

// CheckState is the verification state of one acceptance criterion.
type CheckState string

const (
	CheckPending CheckState = "pending"
	CheckPass    CheckState = "pass"
	CheckFail    CheckState = "fail"
)

// AcceptanceCriterion pairs a criterion with its independent check state.
type AcceptanceCriterion struct {
	Text  string     `yaml:"text" json:"text"`
	Check CheckState `yaml:"check,omitempty" json:"check,omitempty"`
}

// Plan is the persisted output of a planning run.
type Plan struct {
	Goal        string    `yaml:"goal" json:"goal"`
	Steps       []string  `yaml:"steps" json:"steps"`
	Validation  []string  `yaml:"validation,omitempty" json:"validation,omitempty"`
	Cleanup     []string  `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	VisualPlan  string    `yaml:"visualPlan,omitempty" json:"visualPlan,omitempty"`
	GeneratedAt time.Time `yaml:"generatedAt" json:"generatedAt"`
}

// PlanningStatus tracks the per-task planning lifecycle.
type PlanningStatus string

const (
	PlanningNone      PlanningStatus = "none"
	PlanningRunning   PlanningStatus = "running"
	PlanningCompleted PlanningStatus = "completed"
	PlanningError     PlanningStatus = "error"
)

// BlockedState describes whether and why a task is blocked.
type BlockedState struct {
	IsBlocked bool       `yaml:"isBlocked" json:"isBlocked"`
	Reason    string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	Since     *time.Time `yaml:"since,omitempty" json:"since,omitempty"`
}

// ModelConfig selects an engine model for a session.
type ModelConfig struct {
	Provider      string `yaml:"provider,omitempty" json:"provider,omitempty"`
	ModelID       string `yaml:"modelId,omitempty" json:"modelId,omitempty"`
	ThinkingLevel string `yaml:"thinkingLevel,omitempty" json:"thinkingLevel,omitempty"`
}

// TaskFrontmatter is the known-field portion of a task document.
type TaskFrontmatter struct {
	ID      TaskID    `yaml:"id" json:"id"`
	Title   string    `yaml:"title" json:"title"`
	Phase   Phase     `yaml:"phase" json:"phase"`
	Order   int       `yaml:"order" json:"order"`
	Created time.Time `yaml:"created" json:"created"`
	Updated time.Time `yaml:"updated" json:"updated"`

	Started   *time.Time `yaml:"started,omitempty" json:"started,omitempty"`
	Completed *time.Time `yaml:"completed,omitempty" json:"completed,omitempty"`
	// CycleTime and LeadTime are whole seconds, set on first entry to complete.
	CycleTime *int64 `yaml:"cycleTime,omitempty" json:"cycleTime,omitempty"`
	LeadTime  *int64 `yaml:"leadTime,omitempty" json:"leadTime,omitempty"`

	AcceptanceCriteria []AcceptanceCriterion `yaml:"acceptanceCriteria,omitempty" json:"acceptanceCriteria,omitempty"`
	Plan               *Plan                 `yaml:"plan,omitempty" json:"plan,omitempty"`

	PrePlanningSkills   []string          `yaml:"prePlanningSkills,omitempty" json:"prePlanningSkills,omitempty"`
	PreExecutionSkills  []string          `yaml:"preExecutionSkills,omitempty" json:"preExecutionSkills,omitempty"`
	PostExecutionSkills []string          `yaml:"postExecutionSkills,omitempty" json:"postExecutionSkills,omitempty"`
	SkillConfigs        map[string]map[string]string `yaml:"skillConfigs,omitempty" json:"skillConfigs,omitempty"`

	ExecutionModelConfig    *ModelConfig  `yaml:"executionModelConfig,omitempty" json:"executionModelConfig,omitempty"`
	PlanningModelConfig     *ModelConfig  `yaml:"planningModelConfig,omitempty" json:"planningModelConfig,omitempty"`
	ExecutionFallbackModels []ModelConfig `yaml:"executionFallbackModels,omitempty" json:"executionFallbackModels,omitempty"`
	PlanningFallbackModels  []ModelConfig `yaml:"planningFallbackModels,omitempty" json:"planningFallbackModels,omitempty"`

	Blocked         BlockedState `yaml:"blocked,omitempty" json:"blocked,omitempty"`
	BlockedCount    int          `yaml:"blockedCount,omitempty" json:"blockedCount,omitempty"`
	BlockedDuration int64        `yaml:"blockedDuration,omitempty" json:"blockedDuration,omitempty"`

	PlanningStatus  PlanningStatus `yaml:"planningStatus,omitempty" json:"planningStatus,omitempty"`
	PlanningSkipped bool           `yaml:"planningSkipped,omitempty" json:"planningSkipped,omitempty"`

	// AwaitingUserInput marks a parked task: in executing with no live
	// session, skipped by dispatch until a user action clears it.
	AwaitingUserInput bool `yaml:"awaitingUserInput,omitempty" json:"awaitingUserInput,omitempty"`

	UsageMetrics *UsageMetrics `yaml:"usageMetrics,omitempty" json:"usageMetrics,omitempty"`

	// SessionFile references the engine-owned session record.
	SessionFile string `yaml:"sessionFile,omitempty" json:"sessionFile,omitempty"`
}

// Task is one unit of work flowing through the factory line.
type Task struct {
	Frontmatter TaskFrontmatter
	Description string
	History     []PhaseTransition
	// Extra preserves unknown frontmatter keys across rewrites. The core
	// never reads them.
	Extra    map[string]any
	FilePath string
}

// ID returns the task identifier.
func (t *Task) ID() TaskID { return t.Frontmatter.ID }

// Phase returns the task's current phase.
func (t *Task) Phase() Phase { return t.Frontmatter.Phase }

// HasCriteria reports whether the task carries at least one acceptance criterion.
func (t *Task) HasCriteria() bool {
	return len(t.Frontmatter.AcceptanceCriteria) > 0
}

// NoPlanMode reports whether the task runs without a planning stage, either
// explicitly or inferred from a pre-existing plan with planning never run.
func (t *Task) NoPlanMode() bool {
	if t.Frontmatter.PlanningSkipped {
		return true
	}
	return t.Frontmatter.Plan != nil && t.Frontmatter.PlanningStatus == PlanningNone
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Frontmatter = cloneFrontmatter(t.Frontmatter)
	c.History = append([]PhaseTransition(nil), t.History...)
	if t.Extra != nil {
		c.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneFrontmatter(fm TaskFrontmatter) TaskFrontmatter {
	c := fm
	c.AcceptanceCriteria = append([]AcceptanceCriterion(nil), fm.AcceptanceCriteria...)
	c.PrePlanningSkills = append([]string(nil), fm.PrePlanningSkills...)
	c.PreExecutionSkills = append([]string(nil), fm.PreExecutionSkills...)
	c.PostExecutionSkills = append([]string(nil), fm.PostExecutionSkills...)
	c.ExecutionFallbackModels = append([]ModelConfig(nil), fm.ExecutionFallbackModels...)
	c.PlanningFallbackModels = append([]ModelConfig(nil), fm.PlanningFallbackModels...)
	if fm.Plan != nil {
		p := *fm.Plan
		p.Steps = append([]string(nil), fm.Plan.Steps...)
		p.Validation = append([]string(nil), fm.Plan.Validation...)
		p.Cleanup = append([]string(nil), fm.Plan.Cleanup...)
		c.Plan = &p
	}
	if fm.UsageMetrics != nil {
		u := fm.UsageMetrics.Clone()
		c.UsageMetrics = &u
	}
	if fm.SkillConfigs != nil {
		c.SkillConfigs = make(map[string]map[string]string, len(fm.SkillConfigs))
		for skill, kv := range fm.SkillConfigs {
			inner := make(map[string]string, len(kv))
			for k, v := range kv {
				inner[k] = v
			}
			c.SkillConfigs[skill] = inner
		}
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.Started = copyTime(fm.Started)
	c.Completed = copyTime(fm.Completed)
	c.Blocked.Since = copyTime(fm.Blocked.Since)
	copyInt := func(n *int64) *int64 {
		if n == nil {
			return nil
		}
		v := *n
		return &v
	}
	c.CycleTime = copyInt(fm.CycleTime)
	c.LeadTime = copyInt(fm.LeadTime)
	return c
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.Frontmatter.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if !ValidPhase(t.Frontmatter.Phase) {
		return ErrValidation("TASK_PHASE_INVALID", "unknown phase: "+string(t.Frontmatter.Phase))
	}
	return nil
}
