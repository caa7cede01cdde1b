package agent

import (
	"context"

	"github.com/taskfactory/factoryd/internal/core"
)

// PromptOptions carries optional prompt inputs.
type PromptOptions struct {
	// Images are paths or data URIs attached to the turn.
	Images []string
}

// PromptOption mutates PromptOptions.
type PromptOption func(*PromptOptions)

// WithImages attaches images to the prompt.
func WithImages(images ...string) PromptOption {
	return func(o *PromptOptions) {
		o.Images = append(o.Images, images...)
	}
}

// Session is one live agent conversation bound to a session file.
type Session interface {
	// Prompt starts a new turn. It returns once the engine has accepted the
	// turn; completion is observed on the event stream.
	Prompt(ctx context.Context, content string, opts ...PromptOption) error

	// Abort cancels the current turn. Idempotent; safe after completion.
	Abort()

	// Subscribe registers a listener for the session's event stream and
	// returns its unsubscribe function. Events are delivered in stream order.
	Subscribe(listener func(Event)) (unsubscribe func())

	// ContextUsage reports context-window fill, when the engine exposes it.
	ContextUsage() (ContextUsage, bool)

	// SessionFile is the engine-owned record backing this session.
	SessionFile() string

	// Close releases the session without aborting a turn already finished.
	Close() error
}

// CreateSessionRequest describes the session the core needs.
type CreateSessionRequest struct {
	// Cwd is the working directory the agent operates in.
	Cwd string

	// SessionFile, when set, resumes an existing session record instead of
	// creating a fresh one.
	SessionFile string

	// Model and ThinkingLevel select the engine model; nil means the
	// engine default.
	Model *core.ModelConfig

	// Tools receives extension-tool calls made by the agent.
	Tools ToolSink
}

// Engine creates agent sessions. Implementations wrap an external
// coding-agent process or service.
type Engine interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
}
