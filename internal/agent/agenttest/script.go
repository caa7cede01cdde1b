// Package agenttest provides a scriptable in-memory engine for exercising
// supervisors without a real coding-agent process.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskfactory/factoryd/internal/agent"
)

// TurnScript produces the event stream for one prompt. turn counts from 1.
// A nil script means events are injected manually via Session.Emit.
type TurnScript func(turn int, prompt string) []agent.Event

// Engine is a fake agent.Engine handing out scripted sessions.
type Engine struct {
	mu sync.Mutex

	// Script drives every session created by this engine.
	Script TurnScript

	// CreateErr, when set, fails session creation.
	CreateErr error

	// EmitTurnEndOnAbort makes Abort synthesize an aborted turn_end, the way
	// real engines acknowledge cancellation.
	EmitTurnEndOnAbort bool

	sessions []*Session
}

// CreateSession implements agent.Engine.
func (e *Engine) CreateSession(_ context.Context, req agent.CreateSessionRequest) (agent.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateErr != nil {
		return nil, e.CreateErr
	}

	file := req.SessionFile
	if file == "" {
		file = fmt.Sprintf("session-%d.jsonl", len(e.sessions)+1)
	}
	s := &Session{
		engine:      e,
		Request:     req,
		sessionFile: file,
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions returns every session created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session is a scripted agent.Session.
type Session struct {
	engine  *Engine
	Request agent.CreateSessionRequest

	mu          sync.Mutex
	sessionFile string
	listeners   map[int]func(agent.Event)
	nextID      int
	prompts     []string
	aborted     bool
	closed      bool

	// Usage, when set, is returned from ContextUsage.
	Usage *agent.ContextUsage
}

// Prompt implements agent.Session. Scripted events are delivered on a
// separate goroutine, mirroring a real engine's asynchronous stream.
func (s *Session) Prompt(_ context.Context, content string, _ ...agent.PromptOption) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("prompt on closed session")
	}
	s.aborted = false
	s.prompts = append(s.prompts, content)
	turn := len(s.prompts)
	script := s.engine.Script
	s.mu.Unlock()

	if script == nil {
		return nil
	}
	go func() {
		for _, ev := range script(turn, content) {
			if !s.deliver(ev) {
				return
			}
		}
	}()
	return nil
}

// Emit injects one event into the stream, for tests that drive it manually.
func (s *Session) Emit(ev agent.Event) {
	s.deliver(ev)
}

func (s *Session) deliver(ev agent.Event) bool {
	s.mu.Lock()
	if s.closed || s.aborted {
		s.mu.Unlock()
		return false
	}
	listeners := make([]func(agent.Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
	return true
}

// Abort implements agent.Session.
func (s *Session) Abort() {
	s.mu.Lock()
	already := s.aborted
	s.aborted = true
	emitEnd := s.engine.EmitTurnEndOnAbort && !already
	listeners := make([]func(agent.Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if emitEnd {
		ev := agent.Event{
			Type:    agent.EventTurnEnd,
			Message: &agent.Message{Role: "assistant", StopReason: agent.StopAborted},
		}
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Subscribe implements agent.Session.
func (s *Session) Subscribe(listener func(agent.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[int]func(agent.Event))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ContextUsage implements agent.Session.
func (s *Session) ContextUsage() (agent.ContextUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Usage == nil {
		return agent.ContextUsage{}, false
	}
	return *s.Usage, true
}

// SessionFile implements agent.Session.
func (s *Session) SessionFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionFile
}

// Close implements agent.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Prompts returns every prompt issued on the session.
func (s *Session) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Aborted reports whether Abort has been called since the last prompt.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// TextTurn builds the common happy-path stream: start, one text delta, a
// message_end carrying usage, and a turn_end.
func TextTurn(text string, usage *agent.Usage) []agent.Event {
	msg := &agent.Message{
		Role:       "assistant",
		Content:    text,
		Provider:   "test",
		Model:      "script-1",
		StopReason: agent.StopEndTurn,
		Usage:      usage,
	}
	return []agent.Event{
		{Type: agent.EventAgentStart},
		{Type: agent.EventMessageStart},
		{Type: agent.EventMessageUpdate, Delta: agent.DeltaText, Text: text},
		{Type: agent.EventMessageEnd, Message: msg},
		{Type: agent.EventTurnEnd, Message: msg},
	}
}
