package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/logging"
)

// maxEventLine bounds one stdout line. Large tool results are truncated by
// the CLI before they reach us; this guards against a runaway stream.
const maxEventLine = 4 << 20

// session is one live CLI process speaking the stream-JSON protocol.
type session struct {
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	sessionFile string
	sink        agent.ToolSink
	logger      *logging.Logger
	proc        *exec.Cmd

	mu        sync.Mutex
	listeners map[int]func(agent.Event)
	nextID    int
	usage     agent.ContextUsage
	hasUsage  bool
	closed    bool
}

func newSession(stdin io.WriteCloser, stdout io.ReadCloser, sessionFile string, sink agent.ToolSink, logger *logging.Logger) *session {
	s := &session{
		stdin:       stdin,
		stdout:      stdout,
		sessionFile: sessionFile,
		sink:        sink,
		logger:      logger,
		listeners:   make(map[int]func(agent.Event)),
	}
	go s.readLoop()
	return s
}

func (s *session) Prompt(ctx context.Context, content string, opts ...agent.PromptOption) error {
	var options agent.PromptOptions
	for _, opt := range opts {
		opt(&options)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send(command{Type: "prompt", Content: content, Images: options.Images})
}

func (s *session) Abort() {
	if err := s.send(command{Type: "abort"}); err != nil {
		s.logger.Debug("abort after session end", "error", err)
	}
}

func (s *session) Subscribe(listener func(agent.Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *session) ContextUsage() (agent.ContextUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.hasUsage
}

func (s *session) SessionFile() string {
	return s.sessionFile
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Closing stdin tells the CLI to finish up and exit; reap collects it.
	err := s.stdin.Close()
	_ = s.stdout.Close()
	return err
}

func (s *session) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrAgentSession("session is closed")
	}
	_, err = s.stdin.Write(data)
	return err
}

// readLoop decodes stdout lines until the stream ends. Stream events fan out
// to listeners; tool_call lines block the loop on the sink, matching the
// engine contract that an extension tool parks the turn.
func (s *session) readLoop() {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal(line, &w); err != nil {
			s.logger.Warn("undecodable agent event", "error", err)
			continue
		}
		switch w.Type {
		case wireContext:
			s.mu.Lock()
			s.usage = agent.ContextUsage{
				Tokens:        w.Tokens,
				ContextWindow: w.ContextWindow,
			}
			if w.ContextWindow > 0 {
				s.usage.Percent = float64(w.Tokens) / float64(w.ContextWindow) * 100
			}
			s.hasUsage = true
			s.mu.Unlock()
		case wireToolCall:
			s.handleToolCall(w)
		default:
			s.broadcast(w.toEvent())
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("agent stream ended", "error", err)
	}
}

func (s *session) handleToolCall(w wireEvent) {
	result, err := dispatchTool(s.sink, w.ToolName, w.Args)
	reply := command{Type: "tool_result", ToolCallID: w.ToolCallID, Result: result}
	if err != nil {
		reply.IsError = true
		reply.Result = err.Error()
		s.logger.Warn("extension tool failed", "tool", w.ToolName, "error", err)
	}
	if err := s.send(reply); err != nil {
		s.logger.Warn("tool result not delivered", "tool", w.ToolName, "error", err)
	}
}

func (s *session) broadcast(ev agent.Event) {
	s.mu.Lock()
	listeners := make([]func(agent.Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// reap waits for the process so it never zombies. Runs once per session.
func (s *session) reap() {
	if s.proc == nil {
		return
	}
	if err := s.proc.Wait(); err != nil {
		s.logger.Debug("agent process exited", "error", err)
	}
}

var _ agent.Session = (*session)(nil)
