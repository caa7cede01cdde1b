// Package agentcli runs an external coding-agent CLI as the session engine.
// The CLI is spawned once per session in stream-JSON mode: commands go in as
// one JSON object per stdin line, events come back as one JSON object per
// stdout line. Extension-tool calls arrive as stream events and are answered
// on stdin after dispatching to the session's ToolSink.
package agentcli

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/logging"
)

// EngineConfig configures the spawned CLI.
type EngineConfig struct {
	// Path is the agent binary. Resolved through PATH when not absolute.
	Path string

	// Args precede the per-session flags.
	Args []string

	// SessionDir holds new session files. Empty means the session's cwd.
	SessionDir string

	// StartTimeout bounds the wait for the CLI's first event after spawn.
	StartTimeout time.Duration
}

// Engine spawns one CLI process per session.
type Engine struct {
	cfg    EngineConfig
	logger *logging.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a CLI-backed engine.
func NewEngine(cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.Path == "" {
		cfg.Path = "agent"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	e := &Engine{cfg: cfg, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ping checks that the agent binary is runnable.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Path); err != nil {
		return fmt.Errorf("agent binary not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, e.cfg.Path, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent binary not runnable: %w", err)
	}
	return nil
}

// CreateSession spawns the CLI bound to a new or resumed session file.
func (e *Engine) CreateSession(ctx context.Context, req agent.CreateSessionRequest) (agent.Session, error) {
	sessionFile := req.SessionFile
	if sessionFile == "" {
		dir := e.cfg.SessionDir
		if dir == "" {
			dir = req.Cwd
		}
		sessionFile = filepath.Join(dir, fmt.Sprintf("session-%s.jsonl", uuid.NewString()))
	}

	args := append([]string{}, e.cfg.Args...)
	args = append(args, "--stream-json", "--session-file", sessionFile)
	if req.Model != nil && req.Model.ModelID != "" {
		args = append(args, "--model", req.Model.ModelID)
	}
	if req.Model != nil && req.Model.ThinkingLevel != "" {
		args = append(args, "--thinking", req.Model.ThinkingLevel)
	}

	cmd := exec.Command(e.cfg.Path, args...)
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	logger := e.logger.With("session", filepath.Base(sessionFile))
	sess := newSession(stdin, stdout, sessionFile, req.Tools, logger)
	sess.proc = cmd
	go sess.reap()

	logger.Info("agent session spawned", "pid", cmd.Process.Pid, "cwd", req.Cwd)
	return sess, nil
}

var _ agent.Engine = (*Engine)(nil)
