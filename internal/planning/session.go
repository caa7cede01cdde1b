// Package planning runs the long-lived per-workspace planning conversation:
// one agent session that drafts tasks, shelves artifacts, and asks the user
// questions through a parked tool call.
package planning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/taskstore"
)

// ErrQAAborted is returned to the parked ask_questions tool call when the
// user dismisses the request instead of answering.
var ErrQAAborted = errors.New("qa request aborted")

// WorkspaceRef locates the workspace a planning session belongs to.
type WorkspaceRef struct {
	ID           string
	Path         string
	TasksDir     string
	ArtifactRoot string
}

// Deps are the collaborators a planning session needs.
type Deps struct {
	Engine agent.Engine
	Store  *taskstore.Store
	Bus    *events.Bus
	Logger *logging.Logger

	// Model selects the planning model; nil means the engine default.
	Model *core.ModelConfig

	// RequestKick nudges the workspace queue after task mutations.
	RequestKick func()

	// ManageNewTask and FactoryControl bridge the matching extension tools
	// to the owning hub. Nil bridges make the tools no-ops.
	ManageNewTask  func(action string, payload map[string]any) error
	FactoryControl func(action string, payload map[string]any) error
}

func (d Deps) kick() {
	if d.RequestKick != nil {
		d.RequestKick()
	}
}

type qaResult struct {
	answers []core.QAAnswer
	aborted bool
}

// Session is the planning conversation for one workspace. One turn runs at a
// time; SendMessage blocks until the turn ends.
type Session struct {
	ws      WorkspaceRef
	deps    Deps
	st      *state
	logger  *logging.Logger
	persist *persister

	mu        sync.Mutex
	loaded    bool
	sessionID string
	messages  []Message
	shelf     Shelf
	agentSess agent.Session
	unsub     func()
	events    chan agent.Event
	status    events.ExecutionStatus
	turning   bool
	stopC     chan struct{}
	stopped   bool
	pendingQA map[string]chan qaResult
}

// Option configures a Session.
type Option func(*Session)

// WithPersistDelay overrides the message-persist debounce, for tests.
func WithPersistDelay(d time.Duration) Option {
	return func(s *Session) {
		s.persist = newPersister(d, s.writeMessagesSnapshot, s.logger)
	}
}

// NewSession creates the planning session for a workspace. The agent session
// itself is created lazily on the first message.
func NewSession(ws WorkspaceRef, deps Deps, opts ...Option) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Session{
		ws:        ws,
		deps:      deps,
		st:        &state{root: ws.ArtifactRoot},
		logger:    logger.WithWorkspace(ws.ID),
		status:    events.StatusIdle,
		pendingQA: make(map[string]chan qaResult),
		shelf:     newShelf(),
	}
	s.persist = newPersister(defaultPersistDelay, s.writeMessagesSnapshot, s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the current planning session id, loading state if needed.
func (s *Session) SessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return "", err
	}
	return s.sessionID, nil
}

// Status reports the live state of the planning session.
func (s *Session) Status() events.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a snapshot of the persisted conversation.
func (s *Session) Messages() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return append([]Message(nil), s.messages...), nil
}

// ShelfSnapshot returns a copy of the current drafts and artifacts.
func (s *Session) ShelfSnapshot() (Shelf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return Shelf{}, err
	}
	out := newShelf()
	for id, d := range s.shelf.Drafts {
		out.Drafts[id] = d
	}
	for id, a := range s.shelf.Artifacts {
		out.Artifacts[id] = a
	}
	return out, nil
}

// ensureLoadedLocked hydrates session id, messages, and shelf from disk.
// Drafts and artifacts recorded only in message metadata are restored too.
func (s *Session) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	id, err := s.st.loadSessionID()
	if err != nil {
		return core.ErrIO("read planning session id", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := s.st.writeSessionID(id); err != nil {
			return core.ErrIO("write planning session id", err)
		}
	}
	msgs, err := s.st.loadMessages()
	if err != nil {
		return core.ErrIO("read planning messages", err)
	}
	shelf, err := s.st.loadShelf()
	if err != nil {
		s.logger.Warn("shelf unreadable, rebuilding from message metadata", "error", err)
	}
	rehydrateShelf(&shelf, msgs)

	s.sessionID = id
	s.messages = msgs
	s.shelf = shelf
	s.loaded = true
	return nil
}

// SendMessage runs one planning turn and blocks until it ends. The first
// message on a fresh agent session carries the board system prompt. A session
// failure recreates the agent session once, replaying a short window of
// recent conversation.
func (s *Session) SendMessage(ctx context.Context, content string, images ...string) error {
	s.mu.Lock()
	if s.turning {
		s.mu.Unlock()
		return &core.DomainError{
			Category: core.ErrCatConflict,
			Code:     core.CodeSessionLive,
			Message:  "a planning turn is already running",
		}
	}
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	fresh := s.agentSess == nil
	if fresh {
		if err := s.openAgentLocked(ctx, ""); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.appendMessageLocked(Message{Role: core.RoleUser, Content: content})
	s.turning = true
	s.stopC = make(chan struct{})
	s.stopped = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.turning = false
		s.mu.Unlock()
	}()

	prompt := content
	if fresh {
		prompt = s.openingPrompt() + "\n\n" + content
	}

	outcome, err := s.runTurn(ctx, prompt, images)
	if err != nil {
		// Retry budget 1: rebuild the session and replay recent context.
		s.logger.Warn("planning session failed, recreating", "error", err)
		if rerr := s.recreateAgent(ctx); rerr != nil {
			s.setStatus(events.StatusError)
			return rerr
		}
		outcome, err = s.runTurn(ctx, s.replayPrompt()+"\n\n"+content, images)
		if err != nil {
			s.setStatus(events.StatusError)
			return err
		}
	}

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.deps.Bus.Publish(events.NewPlanningTurnEndEvent(s.ws.ID, sessionID, outcome))
	if outcome == events.OutcomeError {
		s.setStatus(events.StatusError)
	} else {
		s.setStatus(events.StatusIdle)
	}
	return nil
}

// StopExecution aborts the current turn. It only acts while the session is
// in a stoppable state (streaming, tool_use, thinking) and reports whether a
// stop was issued. Idempotent.
func (s *Session) StopExecution() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.turning || s.stopped {
		return false
	}
	switch s.status {
	case events.StatusStreaming, events.StatusToolUse, events.StatusThinking:
	default:
		return false
	}
	s.stopped = true
	close(s.stopC)
	return true
}

// Reset archives the conversation under the old session id, tears the agent
// session down, clears the shelf, and starts a fresh session id.
func (s *Session) Reset() error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.turning && !s.stopped {
		s.stopped = true
		close(s.stopC)
	}
	oldID := s.sessionID
	msgs := s.messages
	s.closeAgentLocked()
	s.abortAllQALocked()

	if err := s.st.archiveMessages(oldID, msgs); err != nil {
		s.mu.Unlock()
		return core.ErrIO("archive planning messages", err)
	}
	if err := s.st.stashIdeas(s.shelf.Drafts); err != nil {
		s.mu.Unlock()
		return core.ErrIO("write idea backlog", err)
	}
	newID := uuid.NewString()
	if err := s.st.writeSessionID(newID); err != nil {
		s.mu.Unlock()
		return core.ErrIO("write planning session id", err)
	}
	s.sessionID = newID
	s.messages = nil
	s.shelf = newShelf()
	if err := s.st.writeMessages(nil); err != nil {
		s.mu.Unlock()
		return core.ErrIO("clear planning messages", err)
	}
	if err := s.st.writeShelf(s.shelf); err != nil {
		s.mu.Unlock()
		return core.ErrIO("clear shelf", err)
	}
	s.status = events.StatusIdle
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewPlanningStatusEvent(s.ws.ID, newID, events.StatusIdle))
	s.deps.Bus.Publish(events.NewShelfUpdatedEvent(s.ws.ID, 0, 0))
	return nil
}

// Close flushes pending writes and releases the agent session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.turning && !s.stopped {
		s.stopped = true
		close(s.stopC)
	}
	s.closeAgentLocked()
	s.abortAllQALocked()
	s.mu.Unlock()
	return s.persist.Flush()
}

// ResolveQA answers a pending ask_questions request and resumes the parked
// tool call.
func (s *Session) ResolveQA(requestID string, answers []core.QAAnswer) error {
	s.mu.Lock()
	ch, ok := s.pendingQA[requestID]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound("qa request", requestID)
	}
	delete(s.pendingQA, requestID)
	s.appendMessageLocked(Message{
		Role:     core.RoleUser,
		Content:  "Answered questions",
		Metadata: map[string]any{"qaResponse": answers, "requestId": requestID},
	})
	s.mu.Unlock()

	ch <- qaResult{answers: answers}
	return nil
}

// AbortQA dismisses a pending ask_questions request without answers.
func (s *Session) AbortQA(requestID string) error {
	s.mu.Lock()
	ch, ok := s.pendingQA[requestID]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound("qa request", requestID)
	}
	delete(s.pendingQA, requestID)
	s.appendMessageLocked(Message{
		Role:     core.RoleSystem,
		Content:  "Questions dismissed",
		Metadata: map[string]any{"requestId": requestID},
	})
	s.mu.Unlock()

	ch <- qaResult{aborted: true}
	return nil
}

// PendingQA lists requests still awaiting the user.
func (s *Session) PendingQA() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pendingQA))
	for id := range s.pendingQA {
		ids = append(ids, id)
	}
	return ids
}

// PromoteDraft turns a shelved draft into a real task and removes it from
// the shelf.
func (s *Session) PromoteDraft(ctx context.Context, draftID string) (*core.Task, error) {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	draft, ok := s.shelf.Drafts[draftID]
	s.mu.Unlock()
	if !ok {
		return nil, &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodeDraftNotFound,
			Message:  "draft not found: " + draftID,
		}
	}

	task, err := s.deps.Store.CreateTask(ctx, s.ws.TasksDir, taskstore.CreateTaskRequest{
		Title:              draft.Title,
		Description:        draft.Description,
		AcceptanceCriteria: draft.AcceptanceCriteria,
		PlanningSkipped:    draft.PlanningSkipped,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.shelf.Drafts, draftID)
	drafts, artifacts := len(s.shelf.Drafts), len(s.shelf.Artifacts)
	if werr := s.st.writeShelf(s.shelf); werr != nil {
		s.logger.Error("shelf persist failed", "error", werr)
	}
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewShelfUpdatedEvent(s.ws.ID, drafts, artifacts))
	s.deps.kick()
	return task, nil
}

// RemoveDraft drops a shelved draft.
func (s *Session) RemoveDraft(draftID string) error {
	return s.removeShelfItem(draftID, true)
}

// RemoveArtifact drops a shelved artifact.
func (s *Session) RemoveArtifact(artifactID string) error {
	return s.removeShelfItem(artifactID, false)
}

func (s *Session) removeShelfItem(id string, draft bool) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if draft {
		if _, ok := s.shelf.Drafts[id]; !ok {
			s.mu.Unlock()
			return core.ErrNotFound("draft", id)
		}
		delete(s.shelf.Drafts, id)
	} else {
		if _, ok := s.shelf.Artifacts[id]; !ok {
			s.mu.Unlock()
			return core.ErrNotFound("artifact", id)
		}
		delete(s.shelf.Artifacts, id)
	}
	drafts, artifacts := len(s.shelf.Drafts), len(s.shelf.Artifacts)
	if err := s.st.writeShelf(s.shelf); err != nil {
		s.mu.Unlock()
		return core.ErrIO("write shelf", err)
	}
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewShelfUpdatedEvent(s.ws.ID, drafts, artifacts))
	return nil
}

// Flush forces pending message writes to disk.
func (s *Session) Flush() error {
	return s.persist.Flush()
}

// openAgentLocked creates the agent session and subscribes its event stream.
func (s *Session) openAgentLocked(ctx context.Context, sessionFile string) error {
	sess, err := s.deps.Engine.CreateSession(ctx, agent.CreateSessionRequest{
		Cwd:         s.ws.Path,
		SessionFile: sessionFile,
		Model:       s.deps.Model,
		Tools:       &planningSink{s: s},
	})
	if err != nil {
		return core.ErrAgentSession("create planning session: " + err.Error()).WithCause(err)
	}
	s.agentSess = sess
	s.events = make(chan agent.Event, 256)
	ch := s.events
	s.unsub = sess.Subscribe(func(ev agent.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return nil
}

func (s *Session) closeAgentLocked() {
	if s.agentSess == nil {
		return
	}
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.agentSess.Abort()
	if err := s.agentSess.Close(); err != nil {
		s.logger.Warn("planning session close failed", "error", err)
	}
	s.agentSess = nil
	s.events = nil
}

// recreateAgent rebuilds the agent session after a failure.
func (s *Session) recreateAgent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAgentLocked()
	return s.openAgentLocked(ctx, "")
}

func (s *Session) abortAllQALocked() {
	for id, ch := range s.pendingQA {
		delete(s.pendingQA, id)
		ch <- qaResult{aborted: true}
	}
}

func (s *Session) openingPrompt() string {
	tasks, err := s.deps.Store.DiscoverTasks(context.Background(), s.ws.TasksDir, taskstore.ScopeActive)
	if err != nil {
		s.logger.Warn("board summary unavailable", "error", err)
	}
	return buildSystemPrompt(tasks, s.st.loadContext())
}

func (s *Session) replayPrompt() string {
	tasks, err := s.deps.Store.DiscoverTasks(context.Background(), s.ws.TasksDir, taskstore.ScopeActive)
	if err != nil {
		s.logger.Warn("board summary unavailable", "error", err)
	}
	s.mu.Lock()
	msgs := append([]Message(nil), s.messages...)
	s.mu.Unlock()
	return buildReplayPrompt(tasks, s.st.loadContext(), msgs)
}

// runTurn issues one prompt and consumes the event stream until the turn
// ends. The returned error means the session itself failed and may be
// recreated; a turn that merely went badly is reported through the outcome.
func (s *Session) runTurn(ctx context.Context, prompt string, images []string) (events.TurnOutcome, error) {
	s.mu.Lock()
	sess := s.agentSess
	eventC := s.events
	stopC := s.stopC
	s.mu.Unlock()

	// Stale events from an aborted turn must not bleed into this one.
	for {
		select {
		case <-eventC:
			continue
		default:
		}
		break
	}

	var opts []agent.PromptOption
	if len(images) > 0 {
		opts = append(opts, agent.WithImages(images...))
	}
	if err := sess.Prompt(ctx, prompt, opts...); err != nil {
		return "", core.ErrAgentSession("planning prompt failed: " + err.Error()).WithCause(err)
	}
	s.setStatus(events.StatusStreaming)

	for {
		select {
		case ev := <-eventC:
			switch ev.Type {
			case agent.EventAgentStart, agent.EventMessageStart:
				s.setStatus(events.StatusStreaming)
			case agent.EventMessageUpdate:
				if ev.Delta == agent.DeltaThinking {
					s.setStatus(events.StatusThinking)
				} else {
					s.setStatus(events.StatusStreaming)
				}
			case agent.EventToolStart:
				s.setStatus(events.StatusToolUse)
			case agent.EventMessageEnd:
				if ev.Message != nil && ev.Message.Content != "" {
					s.mu.Lock()
					s.appendMessageLocked(Message{Role: core.RoleAgent, Content: ev.Message.Content})
					s.mu.Unlock()
				}
			case agent.EventTurnEnd:
				return turnOutcome(ev.Message), nil
			}
		case <-stopC:
			sess.Abort()
			return events.OutcomeStopped, nil
		case <-ctx.Done():
			sess.Abort()
			return events.OutcomeTimedOut, nil
		}
	}
}

func turnOutcome(msg *agent.Message) events.TurnOutcome {
	if msg == nil {
		return events.OutcomeCompleted
	}
	switch msg.StopReason {
	case agent.StopError:
		return events.OutcomeError
	case agent.StopAborted:
		return events.OutcomeStopped
	default:
		return events.OutcomeCompleted
	}
}

// appendMessageLocked records a message and schedules the debounced write.
func (s *Session) appendMessageLocked(m Message) {
	m.ID = uuid.NewString()
	m.Timestamp = time.Now().UTC()
	s.messages = append(s.messages, m)
	s.persist.Schedule()
}

func (s *Session) writeMessagesSnapshot() error {
	s.mu.Lock()
	msgs := append([]Message(nil), s.messages...)
	s.mu.Unlock()
	return s.st.writeMessages(msgs)
}

func (s *Session) setStatus(status events.ExecutionStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	sessionID := s.sessionID
	s.mu.Unlock()
	s.deps.Bus.Publish(events.NewPlanningStatusEvent(s.ws.ID, sessionID, status))
}
