package taskstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/core"
)

func TestDocumentRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := &core.Task{
		Frontmatter: core.TaskFrontmatter{
			ID:      "DEMO-3",
			Title:   "Wire up the importer",
			Phase:   core.PhaseExecuting,
			Order:   -2,
			Created: started.Add(-time.Hour),
			Updated: started,
			Started: &started,
			AcceptanceCriteria: []core.AcceptanceCriterion{
				{Text: "importer handles empty input", Check: core.CheckPending},
			},
			PlanningStatus: core.PlanningCompleted,
			Plan: &core.Plan{
				Goal:        "import data",
				Steps:       []string{"parse", "load"},
				GeneratedAt: started,
			},
		},
		Description: "Long form description.\nSecond line.",
		History: []core.PhaseTransition{
			{From: core.PhaseBacklog, To: core.PhaseReady, Timestamp: started, Actor: core.ActorUser},
		},
	}

	data, err := MarshalTask(task)
	require.NoError(t, err)

	parsed, err := ParseTask(data, "task.yaml")
	require.NoError(t, err)
	assert.Equal(t, task.Frontmatter.ID, parsed.Frontmatter.ID)
	assert.Equal(t, task.Frontmatter.Phase, parsed.Frontmatter.Phase)
	assert.Equal(t, task.Description, parsed.Description)
	require.Len(t, parsed.History, 1)
	assert.Equal(t, core.PhaseReady, parsed.History[0].To)
	require.NotNil(t, parsed.Frontmatter.Plan)
	assert.Equal(t, []string{"parse", "load"}, parsed.Frontmatter.Plan.Steps)
	assert.Empty(t, parsed.Extra)
}

func TestDocumentPreservesUnknownKeys(t *testing.T) {
	doc := `id: DEMO-1
title: Keep my custom fields
phase: backlog
order: 0
created: 2026-03-01T10:00:00Z
updated: 2026-03-01T10:00:00Z
customTool:
  color: red
reviewedBy: someone
`
	task, err := ParseTask([]byte(doc), "task.yaml")
	require.NoError(t, err)
	require.Contains(t, task.Extra, "customTool")
	require.Contains(t, task.Extra, "reviewedBy")

	out, err := MarshalTask(task)
	require.NoError(t, err)

	again, err := ParseTask(out, "task.yaml")
	require.NoError(t, err)
	assert.Equal(t, task.Extra["reviewedBy"], again.Extra["reviewedBy"])
	assert.Contains(t, again.Extra, "customTool")
}

func TestDocumentNormalizesLegacyPhase(t *testing.T) {
	cases := map[string]core.Phase{
		"planning":    core.PhaseBacklog,
		"wrapup":      core.PhaseBacklog,
		"in_progress": core.PhaseBacklog,
		"done":        core.PhaseComplete,
	}
	for legacy, want := range cases {
		doc := "id: DEMO-1\ntitle: t\nphase: " + legacy +
			"\norder: 0\ncreated: 2026-03-01T10:00:00Z\nupdated: 2026-03-01T10:00:00Z\n"
		task, err := ParseTask([]byte(doc), "task.yaml")
		require.NoError(t, err, legacy)
		assert.Equal(t, want, task.Phase(), legacy)
	}
}

func TestDocumentRejectsMissingID(t *testing.T) {
	doc := "title: no id\nphase: backlog\norder: 0\n"
	_, err := ParseTask([]byte(doc), "task.yaml")
	assert.Error(t, err)
}
