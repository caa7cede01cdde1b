package taskstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/fsutil"
	"github.com/taskfactory/factoryd/internal/logging"
)

// Scope selects which part of the board a discovery covers.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeActive   Scope = "active"
	ScopeArchived Scope = "archived"
)

// ArchiveFileName is the conversation snapshot written on archive.
const ArchiveFileName = "conversation-archive.jsonl"

// phaseScanLimit bounds the prefix read used to filter by phase without a
// full YAML parse.
const phaseScanLimit = 4096

// Store owns every task file under one workspace. Writes are serialised per
// task file; reads are plain directory scans.
type Store struct {
	workspacePath string
	artifactRoot  string
	prefix        string
	logger        *logging.Logger

	counterMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *logging.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a task store for one workspace. The ID prefix is derived
// from the workspace folder name.
func NewStore(workspacePath, artifactRoot string, opts ...StoreOption) *Store {
	s := &Store{
		workspacePath: workspacePath,
		artifactRoot:  artifactRoot,
		prefix:        core.PrefixForWorkspace(filepath.Base(workspacePath)),
		logger:        logging.NewNop(),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix returns the workspace's task-ID prefix.
func (s *Store) Prefix() string { return s.prefix }

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// CreateTask persists a new task in backlog at the head of the column.
func (s *Store) CreateTask(ctx context.Context, tasksDir string, req CreateTaskRequest) (*core.Task, error) {
	criteria := make([]core.AcceptanceCriterion, 0, len(req.AcceptanceCriteria))
	for _, text := range req.AcceptanceCriteria {
		criteria = append(criteria, core.AcceptanceCriterion{Text: text, Check: core.CheckPending})
	}
	if err := validateCriteria(criteria); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(tasksDir, 0o750); err != nil {
		return nil, core.ErrIO("creating tasks directory", err)
	}

	existing, err := s.DiscoverTasks(ctx, tasksDir, ScopeActive)
	if err != nil {
		return nil, err
	}
	order := headOrder(existing, core.PhaseBacklog)

	// One retry on directory collision: a concurrent allocator may have
	// handed out the same number.
	var taskDir string
	var id core.TaskID
	for attempt := 0; ; attempt++ {
		id, err = s.allocateID(tasksDir)
		if err != nil {
			return nil, err
		}
		taskDir = filepath.Join(tasksDir, string(id))
		mkErr := os.Mkdir(taskDir, 0o750)
		if mkErr == nil {
			break
		}
		if !os.IsExist(mkErr) {
			return nil, core.ErrIO("creating task directory", mkErr)
		}
		if attempt >= 1 {
			return nil, &core.DomainError{
				Category: core.ErrCatConflict,
				Code:     core.CodeCounterConflict,
				Message:  fmt.Sprintf("task directory already exists: %s", id),
			}
		}
	}

	now := time.Now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = string(id)
	}

	task := &core.Task{
		Frontmatter: core.TaskFrontmatter{
			ID:      id,
			Title:   title,
			Phase:   core.PhaseBacklog,
			Order:   order,
			Created: now,
			Updated: now,

			AcceptanceCriteria:      criteria,
			PrePlanningSkills:       req.PrePlanningSkills,
			PreExecutionSkills:      req.PreExecutionSkills,
			PostExecutionSkills:     req.PostExecutionSkills,
			SkillConfigs:            req.SkillConfigs,
			ExecutionModelConfig:    req.ExecutionModelConfig,
			PlanningModelConfig:     req.PlanningModelConfig,
			ExecutionFallbackModels: req.ExecutionFallbackModels,
			PlanningFallbackModels:  req.PlanningFallbackModels,
			PlanningSkipped:         req.PlanningSkipped,
			PlanningStatus:          core.PlanningNone,
		},
		Description: req.Description,
		FilePath:    filepath.Join(taskDir, TaskFileName),
	}

	if err := s.saveTask(task); err != nil {
		// Leave no empty shell behind.
		_ = os.RemoveAll(taskDir)
		return nil, err
	}

	s.logger.Info("task created", "task", string(id), "title", title)
	return task.Clone(), nil
}

// UpdateTask applies a partial update and persists the result.
func (s *Store) UpdateTask(_ context.Context, task *core.Task, req UpdateTaskRequest) (*core.Task, error) {
	lock := s.fileLock(task.FilePath)
	lock.Lock()
	defer lock.Unlock()

	updated := task.Clone()
	fm := &updated.Frontmatter
	now := time.Now()

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, core.ErrValidation(core.CodeEmptyDescription, "task title cannot be empty")
		}
		fm.Title = title
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	if req.AcceptanceCriteria != nil {
		if err := validateCriteria(*req.AcceptanceCriteria); err != nil {
			return nil, err
		}
		fm.AcceptanceCriteria = append([]core.AcceptanceCriterion(nil), (*req.AcceptanceCriteria)...)
	}
	if req.Order != nil {
		fm.Order = *req.Order
	}
	if req.PrePlanningSkills != nil {
		fm.PrePlanningSkills = append([]string(nil), (*req.PrePlanningSkills)...)
	}
	if req.PreExecutionSkills != nil {
		fm.PreExecutionSkills = append([]string(nil), (*req.PreExecutionSkills)...)
	}
	if req.PostExecutionSkills != nil {
		fm.PostExecutionSkills = append([]string(nil), (*req.PostExecutionSkills)...)
	}
	if req.SkillConfigs != nil {
		fm.SkillConfigs = *req.SkillConfigs
	}
	if req.ExecutionModelConfig != nil {
		cfg := *req.ExecutionModelConfig
		fm.ExecutionModelConfig = &cfg
	}
	if req.PlanningModelConfig != nil {
		cfg := *req.PlanningModelConfig
		fm.PlanningModelConfig = &cfg
	}
	if req.Plan != nil {
		plan := *req.Plan
		fm.Plan = &plan
	}
	if req.PlanningStatus != nil {
		fm.PlanningStatus = *req.PlanningStatus
	}
	if req.PlanningSkipped != nil {
		fm.PlanningSkipped = *req.PlanningSkipped
	}
	if req.AwaitingUserInput != nil {
		fm.AwaitingUserInput = *req.AwaitingUserInput
	}
	if req.SessionFile != nil {
		fm.SessionFile = *req.SessionFile
	}
	if req.Blocked != nil {
		applyBlockedChange(fm, *req.Blocked, now)
	}
	if req.UsageDelta != nil {
		if fm.UsageMetrics == nil {
			fm.UsageMetrics = &core.UsageMetrics{}
		}
		fm.UsageMetrics.Merge(*req.UsageDelta)
	}

	fm.Updated = now

	if err := s.saveTask(updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// applyBlockedChange folds a blocked-state edit into the running counters:
// each entry into blocked increments blockedCount, each exit accumulates the
// blocked interval into blockedDuration.
func applyBlockedChange(fm *core.TaskFrontmatter, next core.BlockedState, now time.Time) {
	was := fm.Blocked.IsBlocked
	switch {
	case !was && next.IsBlocked:
		fm.BlockedCount++
		since := now
		next.Since = &since
	case was && !next.IsBlocked:
		if fm.Blocked.Since != nil {
			fm.BlockedDuration += int64(now.Sub(*fm.Blocked.Since).Seconds())
		}
		next.Since = nil
	case was && next.IsBlocked:
		// Still blocked: keep the original entry time.
		next.Since = fm.Blocked.Since
	}
	fm.Blocked = next
}

// CanMoveToPhase answers whether the task may enter the target phase and, if
// not, why.
func (s *Store) CanMoveToPhase(task *core.Task, target core.Phase) MoveCheck {
	from := task.Phase()
	if !core.TransitionAllowed(from, target) {
		return MoveCheck{Reason: fmt.Sprintf("cannot move task from %s to %s", from, target)}
	}

	needsCriteria := target == core.PhaseReady ||
		(from == core.PhaseBacklog && target == core.PhaseExecuting)
	if needsCriteria && !task.NoPlanMode() && !task.HasCriteria() {
		return MoveCheck{Reason: "at least one acceptance criterion is required"}
	}

	if target == core.PhaseExecuting &&
		task.Frontmatter.PlanningStatus == core.PlanningRunning &&
		task.Frontmatter.Plan == nil {
		return MoveCheck{Reason: "planning is still running"}
	}

	return MoveCheck{Allowed: true}
}

// MoveTaskToPhase transitions the task, records history, and performs the
// phase-specific bookkeeping. allTasks (when given) is used to place the task
// at the head of the target column.
func (s *Store) MoveTaskToPhase(_ context.Context, task *core.Task, target core.Phase, actor core.Actor, reason string, allTasks []*core.Task) (*core.Task, error) {
	check := s.CanMoveToPhase(task, target)
	if !check.Allowed {
		return nil, core.ErrInvalidTransition(task.Phase(), target, check.Reason)
	}

	lock := s.fileLock(task.FilePath)
	lock.Lock()
	defer lock.Unlock()

	updated := task.Clone()
	fm := &updated.Frontmatter
	from := fm.Phase
	now := time.Now()

	fm.Order = headOrder(allTasks, target)

	switch target {
	case core.PhaseExecuting:
		if fm.Started == nil {
			started := now
			fm.Started = &started
		}
	case core.PhaseReady:
		if from == core.PhaseComplete {
			// Re-opened work starts its clock over.
			fm.Completed = nil
			fm.Started = nil
			fm.CycleTime = nil
			fm.LeadTime = nil
		}
	case core.PhaseComplete:
		if from == core.PhaseArchived && fm.Completed != nil {
			break
		}
		completed := now
		fm.Completed = &completed
		if fm.Started != nil {
			cycle := int64(now.Sub(*fm.Started).Seconds())
			fm.CycleTime = &cycle
		}
		lead := int64(now.Sub(fm.Created).Seconds())
		fm.LeadTime = &lead
	case core.PhaseArchived:
		s.snapshotConversation(updated)
	}

	if from == core.PhaseExecuting && target != core.PhaseExecuting {
		fm.AwaitingUserInput = false
	}

	updated.History = append(updated.History, core.PhaseTransition{
		From:      from,
		To:        target,
		Timestamp: now,
		Actor:     actor,
		Reason:    reason,
	})
	fm.Phase = target
	fm.Updated = now

	if err := s.saveTask(updated); err != nil {
		return nil, err
	}

	s.logger.Info("task moved",
		"task", string(fm.ID),
		"from", string(from),
		"to", string(target),
		"actor", string(actor))
	return updated.Clone(), nil
}

// snapshotConversation copies the engine session record next to the task so
// archived conversations survive engine-side cleanup. Best effort.
func (s *Store) snapshotConversation(task *core.Task) {
	src := task.Frontmatter.SessionFile
	if src == "" {
		return
	}
	dst := filepath.Join(filepath.Dir(task.FilePath), ArchiveFileName)
	if err := fsutil.CopyFile(src, dst); err != nil {
		s.logger.Warn("conversation snapshot failed",
			"task", string(task.ID()),
			"sessionFile", src,
			"error", err)
	}
}

// DiscoverTasks scans the tasks directory and returns tasks in board order.
// Unparseable files are skipped with a log line.
func (s *Store) DiscoverTasks(_ context.Context, tasksDir string, scope Scope) ([]*core.Task, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrIO("reading tasks directory", err)
	}

	var tasks []*core.Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(tasksDir, entry.Name(), TaskFileName)

		if phase, ok := scanPhase(path); ok && !scopeIncludes(scope, phase) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("skipping unreadable task file", "path", path, "error", err)
			}
			continue
		}
		task, err := ParseTask(data, path)
		if err != nil {
			s.logger.Warn("skipping unparseable task file", "path", path, "error", err)
			continue
		}
		if !scopeIncludes(scope, task.Phase()) {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].Frontmatter, tasks[j].Frontmatter
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Created.Before(b.Created)
	})
	return tasks, nil
}

// GetTask loads a single task by ID.
func (s *Store) GetTask(ctx context.Context, tasksDir string, id core.TaskID) (*core.Task, error) {
	path := filepath.Join(tasksDir, string(id), TaskFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("task", string(id))
		}
		return nil, core.ErrIO("reading task file", err)
	}
	return ParseTask(data, path)
}

// ReorderTasks rewrites the order of one column to match orderedIDs. IDs not
// present in the column are ignored.
func (s *Store) ReorderTasks(ctx context.Context, tasksDir string, phase core.Phase, orderedIDs []core.TaskID) error {
	tasks, err := s.DiscoverTasks(ctx, tasksDir, ScopeAll)
	if err != nil {
		return err
	}
	byID := make(map[core.TaskID]*core.Task, len(tasks))
	for _, t := range tasks {
		if t.Phase() == phase {
			byID[t.ID()] = t
		}
	}

	now := time.Now()
	for index, id := range orderedIDs {
		task, ok := byID[id]
		if !ok {
			s.logger.Warn("reorder skipped unknown task", "task", string(id), "phase", string(phase))
			continue
		}
		if task.Frontmatter.Order == index {
			continue
		}
		lock := s.fileLock(task.FilePath)
		lock.Lock()
		task.Frontmatter.Order = index
		task.Frontmatter.Updated = now
		err := s.saveTask(task)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask removes the task directory recursively.
func (s *Store) DeleteTask(_ context.Context, task *core.Task) error {
	lock := s.fileLock(task.FilePath)
	lock.Lock()
	defer lock.Unlock()

	taskDir := filepath.Dir(task.FilePath)
	if err := os.RemoveAll(taskDir); err != nil {
		return core.ErrIO("deleting task directory", err)
	}
	s.logger.Info("task deleted", "task", string(task.ID()))
	return nil
}

// saveTask writes the task document durably.
func (s *Store) saveTask(task *core.Task) error {
	data, err := MarshalTask(task)
	if err != nil {
		return core.ErrIO("encoding task", err)
	}
	if err := config.AtomicWrite(task.FilePath, data); err != nil {
		return core.ErrIO("writing task file", err)
	}
	return nil
}

// headOrder computes the insert-at-head order for a column.
func headOrder(tasks []*core.Task, phase core.Phase) int {
	min := 0
	found := false
	for _, t := range tasks {
		if t.Phase() != phase {
			continue
		}
		if !found || t.Frontmatter.Order < min {
			min = t.Frontmatter.Order
			found = true
		}
	}
	if !found {
		return 0
	}
	return min - 1
}

// scanPhase reads a bounded prefix of a task file looking for the phase line.
// ok is false when no phase line appears in the prefix, in which case the
// caller falls back to a full parse.
func scanPhase(path string) (core.Phase, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	buf := make([]byte, phaseScanLimit)
	n, _ := f.Read(buf)
	scanner := bufio.NewScanner(bytes.NewReader(buf[:n]))
	for scanner.Scan() {
		line := scanner.Text()
		rest, ok := strings.CutPrefix(line, "phase:")
		if !ok {
			continue
		}
		value := strings.Trim(strings.TrimSpace(rest), `"'`)
		if core.ValidPhase(core.Phase(value)) {
			return core.Phase(value), true
		}
		normalized, _ := core.NormalizeLegacyPhase(value)
		return normalized, true
	}
	return "", false
}

func scopeIncludes(scope Scope, phase core.Phase) bool {
	switch scope {
	case ScopeArchived:
		return phase == core.PhaseArchived
	case ScopeActive:
		return phase != core.PhaseArchived
	default:
		return true
	}
}
