package core

import "time"

// DraftTask is a planning-session-scoped task proposal, promotable into a
// real Task.
type DraftTask struct {
	DraftID            string   `json:"draftId"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	PlanningSkipped    bool     `json:"planningSkipped,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Artifact is a shelf item produced by the planning session.
type Artifact struct {
	ArtifactID string    `json:"artifactId"`
	Title      string    `json:"title"`
	Kind       string    `json:"kind,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QAQuestion is one question posed by the planning agent.
type QAQuestion struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// QAAnswer resolves one question.
type QAAnswer struct {
	QuestionID     string `json:"questionId"`
	SelectedOption string `json:"selectedOption,omitempty"`
	FreeText       string `json:"freeText,omitempty"`
}

// QARequest is a pending ask_questions tool call awaiting resolution.
type QARequest struct {
	RequestID string       `json:"requestId"`
	TaskID    TaskID       `json:"taskId,omitempty"`
	Questions []QAQuestion `json:"questions"`
	CreatedAt time.Time    `json:"createdAt"`
}
