package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/taskstore"
)

// Reliability signal names carried in execution-reliability activity entries.
const (
	signalTurnStart      = "turn_start"
	signalFirstToken     = "first_token"
	signalTurnEnd        = "turn_end"
	signalStallRecovered = "turn_stall_recovered"
	signalCompaction     = "compaction"
	signalProviderRetry  = "provider_retry"
)

func (s *Supervisor) openSession(ctx context.Context) error {
	task := s.snapshotTask()

	model := task.Frontmatter.ExecutionModelConfig
	if s.mode == ModePlanning {
		model = task.Frontmatter.PlanningModelConfig
	}

	session, err := s.deps.Engine.CreateSession(ctx, agent.CreateSessionRequest{
		Cwd:         s.ws.Path,
		SessionFile: task.Frontmatter.SessionFile,
		Model:       model,
		Tools:       &supervisorSink{s: s},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	if file := session.SessionFile(); file != "" && file != task.Frontmatter.SessionFile {
		s.updateTask(taskstore.UpdateTaskRequest{SessionFile: &file})
	}

	s.unsubscribe = session.Subscribe(func(ev agent.Event) {
		if s.terminated.Load() {
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	})
	return nil
}

func (s *Supervisor) closeSession() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Abort()
		if err := sess.Close(); err != nil {
			s.logger.Warn("session close failed", "error", err)
		}
	}
}

// runTurn issues one prompt and consumes the stream until a terminal
// condition: the engine's turn_end, a stall watchdog, the run deadline, a
// stop request, or a persisted plan. Exactly one turn_end control event is
// published per turn.
func (s *Supervisor) runTurn(ctx context.Context, prompt string) (events.TurnOutcome, *agent.Message) {
	s.mu.Lock()
	s.turnNumber++
	turnNumber := s.turnNumber
	session := s.session
	s.mu.Unlock()

	turnID := uuid.NewString()
	start := time.Now()
	g := s.deps.Guardrails

	s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalTurnStart).
		WithMetadata(map[string]any{"turnId": turnID, "turnNumber": turnNumber}))
	s.setStatus(events.StatusStreaming)

	finish := func(outcome events.TurnOutcome) events.TurnOutcome {
		elapsed := time.Since(start)
		s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalTurnEnd).
			WithMetadata(map[string]any{
				"turnId":     turnID,
				"outcome":    string(outcome),
				"durationMs": elapsed.Milliseconds(),
			}))
		s.deps.Bus.PublishPriority(events.NewTurnEndEvent(s.ws.ID, s.TaskID(), turnID, outcome, elapsed.Milliseconds()))
		return outcome
	}

	// Discard events left over from a previous aborted turn.
drain:
	for {
		select {
		case <-s.events:
		default:
			break drain
		}
	}

	if err := session.Prompt(ctx, prompt); err != nil {
		s.appendSystemEvent(core.EventError, "Agent prompt failed: "+err.Error())
		return finish(events.OutcomeError), nil
	}

	stall := newStallTimer()
	defer stall.stop()
	stall.arm(stallNoFirstEvent, g.NoFirstEvent)

	maxTurn := time.NewTimer(g.MaxTurnDuration)
	defer maxTurn.Stop()

	sawEvent := false
	sawToken := false

	for {
		select {
		case ev := <-s.events:
			if !sawEvent {
				sawEvent = true
				stall.disarm()
			}
			switch ev.Type {
			case agent.EventAgentStart:
				s.setStatus(events.StatusStreaming)

			case agent.EventMessageStart:
				stall.arm(stallStreamSilence, g.StreamSilence)

			case agent.EventMessageUpdate:
				stall.disarm()
				if ev.Delta == agent.DeltaThinking {
					s.setStatus(events.StatusThinking)
				} else {
					s.setStatus(events.StatusStreaming)
					if !sawToken {
						sawToken = true
						s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalFirstToken).
							WithMetadata(map[string]any{"timeToFirstTokenMs": time.Since(start).Milliseconds()}))
					}
				}

			case agent.EventToolStart:
				stall.disarm()
				s.setStatus(events.StatusToolUse)
				s.appendEntry(core.NewChatMessage(s.TaskID(), core.RoleAgent, "Using tool: "+ev.ToolName).
					WithMetadata(map[string]any{"toolCallId": ev.ToolCallID, "args": ev.Args}))

			case agent.EventToolEnd:
				s.handleToolEnd(ev, session)
				stall.arm(stallPostTool, g.PostToolStall)

			case agent.EventCompactionStart:
				s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventCompaction, "Context compaction started").
					WithMetadata(map[string]any{"phase": "start", "reason": ev.Reason}))

			case agent.EventCompactionEnd:
				outcome := "success"
				if ev.Aborted {
					outcome = "aborted"
				} else if ev.ErrorMessage != "" {
					outcome = "failed"
				}
				s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventCompaction, "Context compaction finished").
					WithMetadata(map[string]any{"phase": "end", "outcome": outcome, "willRetry": ev.WillRetry}))
				s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalCompaction).
					WithMetadata(map[string]any{"outcome": outcome}))

			case agent.EventRetryStart:
				s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventProviderRetry,
					fmt.Sprintf("Provider retry %d/%d", ev.Attempt, ev.MaxAttempts)).
					WithMetadata(map[string]any{
						"signal":  signalProviderRetry + "_start",
						"attempt": ev.Attempt,
						"delayMs": ev.DelayMs,
						"error":   ev.ErrorMessage,
					}))

			case agent.EventRetryEnd:
				outcome := "failed"
				if ev.Success {
					outcome = "recovered"
				}
				s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalProviderRetry+"_end").
					WithMetadata(map[string]any{"outcome": outcome, "attempt": ev.Attempt}))

			case agent.EventMessageEnd:
				s.handleMessageEnd(ev)

			case agent.EventTurnEnd:
				outcome := outcomeFromMessage(ev.Message)
				return finish(outcome), ev.Message
			}

		case saved := <-s.planC:
			s.persistPlan(saved)
			session.Abort()
			return finish(events.OutcomeCompleted), nil

		case <-s.stopC:
			session.Abort()
			return finish(events.OutcomeStopped), nil

		case <-stall.C():
			phase := stall.phase
			s.tripStall(session, phase)
			return finish(events.OutcomeStalled), nil

		case <-maxTurn.C:
			s.tripStall(session, stallMaxTurn)
			return finish(events.OutcomeStalled), nil

		case <-ctx.Done():
			session.Abort()
			s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventTimeout, "Run timed out").
				WithMetadata(map[string]any{"durationMs": time.Since(start).Milliseconds()}))
			return finish(events.OutcomeTimedOut), nil
		}
	}
}

func outcomeFromMessage(msg *agent.Message) events.TurnOutcome {
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

func (s *Supervisor) handleToolEnd(ev agent.Event, session agent.Session) {
	s.appendEntry(core.NewChatMessage(s.TaskID(), core.RoleAgent, "Tool result: "+ev.ToolName).
		WithMetadata(map[string]any{
			"toolCallId": ev.ToolCallID,
			"isError":    ev.IsError,
			"result":     ev.Result,
		}))

	if s.mode != ModePlanning || ev.ToolName == agent.ToolRead {
		return
	}

	s.mu.Lock()
	s.toolCalls++
	trip := s.toolCalls > s.deps.Guardrails.MaxToolCalls && !s.budgetTrip && !s.graceUsed
	if trip {
		s.budgetTrip = true
	}
	s.mu.Unlock()

	if trip {
		s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, "tool_budget_exceeded").
			WithMetadata(map[string]any{"maxToolCalls": s.deps.Guardrails.MaxToolCalls}))
		session.Abort()
	}
}

func (s *Supervisor) handleMessageEnd(ev agent.Event) {
	msg := ev.Message
	if msg == nil || msg.Usage == nil {
		return
	}
	sample := core.UsageSample{
		Provider:         msg.Provider,
		ModelID:          msg.Model,
		InputTokens:      msg.Usage.InputTokens,
		OutputTokens:     msg.Usage.OutputTokens,
		CacheReadTokens:  msg.Usage.CacheReadTokens,
		CacheWriteTokens: msg.Usage.CacheWriteTokens,
		TotalTokens:      msg.Usage.TotalTokens,
		Cost:             msg.Usage.Cost,
	}
	s.updateTask(taskstore.UpdateTaskRequest{UsageDelta: &sample})
}

// tripStall recovers a wedged session: abort, mark the recovery in the
// activity feed, and leave the terminal accounting to the caller.
func (s *Supervisor) tripStall(session agent.Session, phase string) {
	session.Abort()
	s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventReliability, signalStallRecovered).
		WithMetadata(map[string]any{"signal": signalStallRecovered, "stallPhase": phase}))
	s.appendEntry(core.NewSystemEvent(s.TaskID(), core.EventStall, "Agent turn stalled ("+phase+")"))
	s.logger.Warn("stall watchdog tripped", "phase", phase, "instance", s.instanceID)
}

func (s *Supervisor) persistPlan(saved savedPlan) {
	completed := core.PlanningCompleted
	req := taskstore.UpdateTaskRequest{
		Plan:           &saved.plan,
		PlanningStatus: &completed,
	}
	if len(saved.criteria) > 0 {
		criteria := make([]core.AcceptanceCriterion, 0, len(saved.criteria))
		for _, text := range saved.criteria {
			criteria = append(criteria, core.AcceptanceCriterion{Text: text, Check: core.CheckPending})
		}
		req.AcceptanceCriteria = &criteria
	}
	s.updateTask(req)
	s.mu.Lock()
	s.planSaved = true
	s.mu.Unlock()
	s.appendSystemEvent(core.EventReliability, "plan_saved")
}

func (s *Supervisor) setStatus(status events.ExecutionStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.deps.Bus.Publish(events.NewExecutionStatusEvent(s.ws.ID, s.TaskID(), status))
}

func (s *Supervisor) appendSystemEvent(kind core.SystemEventKind, message string) {
	s.appendEntry(core.NewSystemEvent(s.TaskID(), kind, message))
}

func (s *Supervisor) appendEntry(entry core.ActivityEntry) {
	if _, err := s.deps.Activity.Append(s.ws.ID, entry); err != nil {
		s.logger.Warn("activity append failed", "error", err)
	}
}

// supervisorSink routes extension-tool calls from the session back into the
// supervisor. Only save_plan is meaningful for task runs; the planning
// session carries its own richer sink.
type supervisorSink struct {
	agent.NopToolSink
	s *Supervisor
}

func (k *supervisorSink) SavePlan(_ core.TaskID, plan core.Plan, criteria []string) error {
	if plan.GeneratedAt.IsZero() {
		plan.GeneratedAt = time.Now()
	}
	select {
	case k.s.planC <- savedPlan{plan: plan, criteria: criteria}:
	default:
	}
	return nil
}

// savedPlan carries a save_plan tool payload into the turn loop.
type savedPlan struct {
	plan     core.Plan
	criteria []string
}
