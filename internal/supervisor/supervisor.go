// Package supervisor drives single agent sessions through planning and
// execution runs, applying guardrails and translating the engine's event
// stream into activity entries and control events.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/taskstore"
)

// Mode distinguishes the two supervisor shapes.
type Mode string

const (
	ModePlanning  Mode = "planning"
	ModeExecution Mode = "execution"
)

// WorkspaceRef locates the workspace a supervisor operates in.
type WorkspaceRef struct {
	ID       string
	Path     string
	TasksDir string
}

// Deps are the collaborators a supervisor needs. All of them are shared
// across supervisors; the supervisor itself owns only its session.
type Deps struct {
	Engine      agent.Engine
	Store       *taskstore.Store
	Activity    *activity.Broadcaster
	Bus         *events.Bus
	Logger      *logging.Logger
	Guardrails  config.GuardrailSettings
	RequestKick func(workspaceID string)
}

func (d *Deps) kick(workspaceID string) {
	if d.RequestKick != nil {
		d.RequestKick(workspaceID)
	}
}

// Supervisor runs one agent session for one task.
type Supervisor struct {
	deps   Deps
	ws     WorkspaceRef
	mode   Mode
	logger *logging.Logger

	// instanceID ties events and log lines to this supervisor run; events
	// surviving past its terminal event are discarded by it.
	instanceID string

	session     agent.Session
	unsubscribe func()

	events     chan agent.Event
	stopC      chan struct{}
	planC      chan savedPlan
	done       chan struct{}
	terminated atomic.Bool

	// openingMessage, when set, replaces the execution prompt on the first
	// turn. Used to resume a finished conversation with a user follow-up.
	openingMessage string

	mu         sync.Mutex
	task       *core.Task
	status     events.ExecutionStatus
	stopOnce   sync.Once
	steering   []string
	followUps  []string
	toolCalls  int
	budgetTrip bool
	graceUsed  bool
	planSaved  bool
	turnNumber int

	onExit func()
}

// StartOption adjusts a supervisor before its run begins.
type StartOption func(*Supervisor)

// WithOpeningMessage makes the first execution turn deliver a user message
// instead of the task prompt. The agent session resumes from the task's
// session file, so the conversation context is already there.
func WithOpeningMessage(message string) StartOption {
	return func(s *Supervisor) {
		s.openingMessage = message
	}
}

// New creates a supervisor for one run. Run must be called exactly once.
func New(deps Deps, ws WorkspaceRef, task *core.Task, mode Mode) *Supervisor {
	s := &Supervisor{
		deps:       deps,
		ws:         ws,
		mode:       mode,
		instanceID: uuid.NewString(),
		task:       task.Clone(),
		status:     events.StatusIdle,
		events:     make(chan agent.Event, 256),
		stopC:      make(chan struct{}),
		planC:      make(chan savedPlan, 1),
		done:       make(chan struct{}),
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s.logger = logger.WithWorkspace(ws.ID).WithTask(string(task.ID()))
	return s
}

// TaskID returns the supervised task.
func (s *Supervisor) TaskID() core.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.ID()
}

// Mode returns the supervisor shape.
func (s *Supervisor) Mode() Mode { return s.mode }

// Status returns the current execution status.
func (s *Supervisor) Status() events.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the run has fully finished.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop requests cancellation. Idempotent; the run winds down with a
// terminal turn_end and leaves task state intact.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
	})
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

// Steer prepends an instruction to the next prompt turn.
func (s *Supervisor) Steer(instruction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = append(s.steering, instruction)
}

// FollowUp queues a user message for delivery once the current turn ends.
func (s *Supervisor) FollowUp(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps = append(s.followUps, message)
}

func (s *Supervisor) takeSteering() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.steering
	s.steering = nil
	return out
}

func (s *Supervisor) takeFollowUp() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.followUps) == 0 {
		return "", false
	}
	msg := s.followUps[0]
	s.followUps = s.followUps[1:]
	return msg, true
}

// Run drives the session to completion. It blocks until the run reaches a
// terminal state; the registry invokes it on its own goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.terminated.Store(true)
		if s.onExit != nil {
			s.onExit()
		}
		close(s.done)
		s.deps.kick(s.ws.ID)
	}()

	timeout := s.deps.Guardrails.ExecutionTimeout
	if s.mode == ModePlanning {
		timeout = s.deps.Guardrails.PlanningTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.openSession(runCtx); err != nil {
		s.appendSystemEvent(core.EventError, "Agent session could not be opened: "+err.Error())
		s.setStatus(events.StatusError)
		if s.mode == ModePlanning {
			s.markPlanningStatus(core.PlanningError)
		} else {
			s.parkTask()
		}
		return err
	}
	defer s.closeSession()

	if err := s.runSkills(runCtx, s.preSkills()); err != nil {
		return err
	}

	if s.mode == ModePlanning {
		return s.runPlanning(runCtx)
	}
	return s.runExecution(runCtx)
}

func (s *Supervisor) preSkills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModePlanning {
		return s.task.Frontmatter.PrePlanningSkills
	}
	return s.task.Frontmatter.PreExecutionSkills
}

func (s *Supervisor) postSkills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Frontmatter.PostExecutionSkills
}

func (s *Supervisor) skillConfig(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Frontmatter.SkillConfigs[name]
}

func (s *Supervisor) runSkills(ctx context.Context, skills []string) error {
	for _, name := range skills {
		s.appendSystemEvent(core.EventSkillStart, name)
		outcome, _ := s.runTurn(ctx, buildSkillPrompt(name, s.skillConfig(name)))
		s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventSkillEnd, name).
			WithMetadata(map[string]any{"outcome": string(outcome)}))
		if outcome != events.OutcomeCompleted {
			return s.failRun(outcome, "skill "+name+" did not complete")
		}
	}
	return nil
}

func (s *Supervisor) runPlanning(ctx context.Context) error {
	s.markPlanningStatus(core.PlanningRunning)

	prompt := buildPlanningPrompt(s.snapshotTask())
	for {
		outcome, msg := s.runTurn(ctx, prompt)

		if s.planPersisted() {
			s.setStatus(events.StatusCompleted)
			s.deps.kick(s.ws.ID)
			return nil
		}

		switch outcome {
		case events.OutcomeCompleted, events.OutcomeStopped:
			if grace, ok := s.graceReason(outcome, msg); ok {
				s.appendSystemEvent(core.EventReliability, grace)
				prompt = buildGracePrompt()
				continue
			}
			if outcome == events.OutcomeStopped {
				s.markPlanningStatus(core.PlanningError)
				s.setStatus(events.StatusIdle)
				return nil
			}
			return s.failRun(events.OutcomeError, "planning ended without a saved plan")
		default:
			return s.failRun(outcome, "planning run failed")
		}
	}
}

// graceReason decides whether this turn earns the single grace turn: a
// length stop or a tool-budget overrun, once per run.
func (s *Supervisor) graceReason(outcome events.TurnOutcome, msg *agent.Message) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceUsed {
		return "", false
	}
	if s.budgetTrip {
		s.graceUsed = true
		return "tool budget exceeded, granting grace turn", true
	}
	if outcome == events.OutcomeCompleted && msg != nil && msg.StopReason == agent.StopLength {
		s.graceUsed = true
		return "length stop, granting grace turn", true
	}
	return "", false
}

func (s *Supervisor) runExecution(ctx context.Context) error {
	var prompt string
	if s.openingMessage != "" {
		prompt = buildFollowUpPrompt(s.openingMessage, s.takeSteering())
	} else {
		prompt = buildExecutionPrompt(s.snapshotTask(), s.takeSteering())
	}
	for {
		outcome, msg := s.runTurn(ctx, prompt)

		switch outcome {
		case events.OutcomeCompleted:
			if next, ok := s.takeFollowUp(); ok {
				prompt = buildFollowUpPrompt(next, s.takeSteering())
				continue
			}
			return s.finishExecution(ctx)
		case events.OutcomeStopped:
			s.parkTask()
			s.setStatus(events.StatusIdle)
			return nil
		case events.OutcomeError:
			reason := "agent reported an error"
			if msg != nil && msg.ErrorMessage != "" {
				reason = msg.ErrorMessage
			}
			s.appendSystemEvent(core.EventError, "Agent turn failed: "+reason)
			return s.failRun(outcome, reason)
		default: // stalled, timed out
			return s.failRun(outcome, string(outcome))
		}
	}
}

func (s *Supervisor) finishExecution(ctx context.Context) error {
	if err := s.runSkills(ctx, s.postSkills()); err != nil {
		return err
	}

	task := s.snapshotTask()
	all, err := s.deps.Store.DiscoverTasks(ctx, s.ws.TasksDir, taskstore.ScopeActive)
	if err != nil {
		s.logger.Warn("task snapshot failed before completion", "error", err)
	}
	moved, err := s.deps.Store.MoveTaskToPhase(ctx, task, core.PhaseComplete, core.ActorAgent, "execution completed", all)
	if err != nil {
		s.appendSystemEvent(core.EventError, "Could not complete task: "+err.Error())
		return s.failRun(events.OutcomeError, err.Error())
	}
	s.replaceTask(moved)

	s.appendEntry(core.NewSystemEvent(moved.ID(), core.EventPhaseChange, "Task completed").
		WithMetadata(map[string]any{"from": string(core.PhaseExecuting), "to": string(core.PhaseComplete)}))
	s.deps.Bus.PublishPriority(events.NewTaskMovedEvent(s.ws.ID, moved.ID(), core.PhaseExecuting, core.PhaseComplete, core.ActorAgent))
	s.setStatus(events.StatusCompleted)
	s.deps.kick(s.ws.ID)
	return nil
}

// failRun records a failed run: planning failures flip planningStatus,
// execution failures park the task awaiting user input.
func (s *Supervisor) failRun(outcome events.TurnOutcome, reason string) error {
	if s.mode == ModePlanning {
		s.markPlanningStatus(core.PlanningError)
	} else {
		s.parkTask()
	}
	s.setStatus(events.StatusError)
	s.deps.kick(s.ws.ID)

	switch outcome {
	case events.OutcomeTimedOut:
		return core.ErrTimedOut(reason)
	case events.OutcomeStalled:
		return core.ErrGuardrail(core.CodeTurnStall, reason)
	default:
		return core.ErrAgentSession(reason)
	}
}

func (s *Supervisor) snapshotTask() *core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

func (s *Supervisor) replaceTask(task *core.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = task.Clone()
}

func (s *Supervisor) planPersisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planSaved
}

func (s *Supervisor) updateTask(req taskstore.UpdateTaskRequest) {
	task := s.snapshotTask()
	updated, err := s.deps.Store.UpdateTask(context.Background(), task, req)
	if err != nil {
		s.logger.Warn("task update failed", "error", err)
		return
	}
	s.replaceTask(updated)
	s.deps.Bus.Publish(events.NewTaskUpdatedEvent(s.ws.ID, updated.ID()))
}

func (s *Supervisor) markPlanningStatus(status core.PlanningStatus) {
	s.updateTask(taskstore.UpdateTaskRequest{PlanningStatus: &status})
}

// parkTask flags the task as awaiting user input so the queue skips it until
// a user action clears the flag.
func (s *Supervisor) parkTask() {
	parked := true
	s.updateTask(taskstore.UpdateTaskRequest{AwaitingUserInput: &parked})
}
