package supervisor

import (
	"context"
	"sync"

	"github.com/taskfactory/factoryd/internal/core"
)

// Registry tracks live supervisors, one per task at most. The queue manager
// consults it for dispatch decisions; user actions route stop, steer, and
// follow-up through it.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	active map[core.TaskID]*Supervisor
}

// NewRegistry creates a supervisor registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		active: make(map[core.TaskID]*Supervisor),
	}
}

// Start launches a supervisor for the task and registers it. It refuses to
// start while another supervisor is live for the same task.
func (r *Registry) Start(ctx context.Context, ws WorkspaceRef, task *core.Task, mode Mode, opts ...StartOption) (*Supervisor, error) {
	r.mu.Lock()
	if _, live := r.active[task.ID()]; live {
		r.mu.Unlock()
		return nil, &core.DomainError{
			Category: core.ErrCatConflict,
			Code:     core.CodeSessionLive,
			Message:  "a supervisor is already live for task " + string(task.ID()),
		}
	}

	s := New(r.deps, ws, task, mode)
	for _, opt := range opts {
		opt(s)
	}
	s.onExit = func() {
		r.mu.Lock()
		if r.active[task.ID()] == s {
			delete(r.active, task.ID())
		}
		r.mu.Unlock()
	}
	r.active[task.ID()] = s
	r.mu.Unlock()

	go func() {
		if err := s.Run(ctx); err != nil {
			s.logger.Warn("supervisor run ended with error", "mode", string(mode), "error", err)
		}
	}()
	return s, nil
}

// Active returns the live supervisor for a task, if any.
func (r *Registry) Active(taskID core.TaskID) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[taskID]
	return s, ok
}

// CountExecutions returns the number of live execution supervisors for a
// workspace.
func (r *Registry) CountExecutions(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.active {
		if s.mode == ModeExecution && s.ws.ID == workspaceID {
			n++
		}
	}
	return n
}

// CountPlannings returns the number of live planning supervisors for a
// workspace.
func (r *Registry) CountPlannings(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.active {
		if s.mode == ModePlanning && s.ws.ID == workspaceID {
			n++
		}
	}
	return n
}

// Stop cancels the live supervisor for a task. Reports false when none is
// live; stopping then is a no-op with no state change.
func (r *Registry) Stop(taskID core.TaskID) bool {
	s, ok := r.Active(taskID)
	if !ok {
		return false
	}
	s.Stop()
	return true
}

// Steer prepends an instruction to the task's next prompt turn. Requires a
// live supervisor.
func (r *Registry) Steer(taskID core.TaskID, instruction string) error {
	s, ok := r.Active(taskID)
	if !ok {
		return core.ErrNotFound("active session for task", string(taskID))
	}
	s.Steer(instruction)
	return nil
}

// FollowUp queues a message for delivery once the task's current turn ends.
// Reports false when no supervisor is live; the caller then starts a fresh
// execution carrying the message.
func (r *Registry) FollowUp(taskID core.TaskID, message string) bool {
	s, ok := r.Active(taskID)
	if !ok {
		return false
	}
	s.FollowUp(message)
	return true
}

// AbortAll stops every live supervisor and waits for them to wind down.
// Used on daemon shutdown.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	live := make([]*Supervisor, 0, len(r.active))
	for _, s := range r.active {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
	for _, s := range live {
		<-s.Done()
	}
}
