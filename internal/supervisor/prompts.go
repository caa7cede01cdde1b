package supervisor

import (
	"fmt"
	"strings"

	"github.com/taskfactory/factoryd/internal/core"
)

// buildPlanningPrompt assembles the single planning turn: the task, its
// criteria, and the plan contract the agent must satisfy via save_plan.
func buildPlanningPrompt(task *core.Task) string {
	var b strings.Builder
	b.WriteString("You are planning the following task.\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n\n", task.ID(), task.Frontmatter.Title)
	if task.Description != "" {
		b.WriteString("Description:\n")
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if len(task.Frontmatter.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range task.Frontmatter.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Investigate the workspace as needed, then call the save_plan tool ")
	b.WriteString("exactly once with a goal, ordered implementation steps, and ")
	b.WriteString("validation steps. Do not implement anything in this session.")
	return b.String()
}

// buildExecutionPrompt assembles the execution turn from the task and its
// plan, with any queued steering instructions prepended.
func buildExecutionPrompt(task *core.Task, steering []string) string {
	var b strings.Builder
	for _, s := range steering {
		fmt.Fprintf(&b, "[steering] %s\n", s)
	}
	if len(steering) > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Implement task %s: %s\n\n", task.ID(), task.Frontmatter.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if plan := task.Frontmatter.Plan; plan != nil {
		fmt.Fprintf(&b, "Plan goal: %s\n", plan.Goal)
		for i, step := range plan.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		if len(plan.Validation) > 0 {
			b.WriteString("Validate by:\n")
			for _, v := range plan.Validation {
				fmt.Fprintf(&b, "- %s\n", v)
			}
		}
		b.WriteString("\n")
	}
	if len(task.Frontmatter.AcceptanceCriteria) > 0 {
		b.WriteString("The task is done when:\n")
		for _, c := range task.Frontmatter.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c.Text)
		}
	}
	return b.String()
}

// buildFollowUpPrompt delivers a queued user message as its own turn.
func buildFollowUpPrompt(message string, steering []string) string {
	var b strings.Builder
	for _, s := range steering {
		fmt.Fprintf(&b, "[steering] %s\n", s)
	}
	if len(steering) > 0 {
		b.WriteString("\n")
	}
	b.WriteString(message)
	return b.String()
}

// buildGracePrompt is issued after a length stop or tool-budget overrun:
// one last chance to persist the plan.
func buildGracePrompt() string {
	return "Stop investigating now. Call the save_plan tool immediately with " +
		"the best plan you can produce from what you have already learned."
}

// buildSkillPrompt wraps one configured skill into a prompt turn.
func buildSkillPrompt(name string, cfg map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run the %q skill.", name)
	if len(cfg) > 0 {
		b.WriteString(" Configuration:\n")
		for k, v := range cfg {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	return b.String()
}
