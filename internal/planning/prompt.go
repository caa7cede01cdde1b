package planning

import (
	"fmt"
	"strings"

	"github.com/taskfactory/factoryd/internal/core"
)

// replayWindow and replayTruncate bound the context replayed into a
// recreated session after a failure.
const (
	replayWindow   = 10
	replayTruncate = 500
)

// buildSystemPrompt opens a fresh planning session: board summary by phase,
// shared workspace context, and the tool catalog the agent may call.
func buildSystemPrompt(tasks []*core.Task, workspaceContext string) string {
	var b strings.Builder
	b.WriteString("You are the planning assistant for this workspace. ")
	b.WriteString("You help shape work before it reaches the board: refine ideas, ")
	b.WriteString("draft tasks, produce supporting artifacts, and answer questions ")
	b.WriteString("about the current state of the factory line.\n\n")

	b.WriteString("Current board:\n")
	byPhase := make(map[core.Phase][]*core.Task)
	for _, t := range tasks {
		byPhase[t.Phase()] = append(byPhase[t.Phase()], t)
	}
	for _, phase := range []core.Phase{core.PhaseBacklog, core.PhaseReady, core.PhaseExecuting, core.PhaseComplete} {
		group := byPhase[phase]
		fmt.Fprintf(&b, "%s (%d):\n", phase, len(group))
		for _, t := range group {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID(), t.Frontmatter.Title)
		}
	}
	b.WriteString("\n")

	if workspaceContext != "" {
		b.WriteString("Workspace context:\n")
		b.WriteString(workspaceContext)
		b.WriteString("\n\n")
	}

	b.WriteString("Available tools:\n")
	b.WriteString("- create_draft_task: shelve a task proposal for the user to promote\n")
	b.WriteString("- create_artifact: shelve a supporting document\n")
	b.WriteString("- ask_questions: ask the user structured questions and wait for answers\n")
	b.WriteString("- manage_shelf: inspect or prune shelved drafts and artifacts\n")
	b.WriteString("- manage_new_task: fill the in-progress new-task form\n")
	b.WriteString("- factory_control: queue and board control actions\n\n")

	b.WriteString("Tasks move backlog -> ready -> executing -> complete. A task needs ")
	b.WriteString("acceptance criteria before it can enter ready, and a completed plan ")
	b.WriteString("before automation promotes it. Keep drafts small and criteria checkable.")
	return b.String()
}

// buildReplayPrompt reopens a recreated session after a failure, restoring a
// small window of prior conversation without replaying full transcripts.
func buildReplayPrompt(tasks []*core.Task, workspaceContext string, msgs []Message) string {
	var b strings.Builder
	b.WriteString(buildSystemPrompt(tasks, workspaceContext))

	if start := len(msgs) - replayWindow; start > 0 {
		msgs = msgs[start:]
	}
	if len(msgs) > 0 {
		b.WriteString("\n\nThe previous session ended unexpectedly. Recent conversation:\n")
		for _, m := range msgs {
			content := m.Content
			if len(content) > replayTruncate {
				content = content[:replayTruncate] + "..."
			}
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, content)
		}
	}
	return b.String()
}
